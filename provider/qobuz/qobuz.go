package qobuz

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/quality"
)

const Name = "qobuz"

// formatLadder lists the backend's format ids best-first: 27 is 24/192,
// 7 is 24/96, 6 is 16-bit FLAC, 5 is 320kbps MP3.
var formatLadder = []int{27, 7, 6, 5}

func formatLabel(formatID int) string {
	switch formatID {
	case 27:
		return "FLAC_24_192"
	case 7:
		return "FLAC_24_96"
	case 6:
		return "FLAC"
	case 5:
		return "MP3_320"
	default:
		return ""
	}
}

func formatExt(formatID int) string {
	if formatID == 5 {
		return "mp3"
	}

	return "flac"
}

type Client struct {
	conf      config.Qobuz
	timeouts  config.DownloadTimeouts
	preferred string
	http      *http.Client
	extractor *extractor
	now       func() time.Time
}

func NewClient(conf config.Qobuz, timeouts config.DownloadTimeouts, preferredQuality string) *Client {
	client := &http.Client{} //nolint:exhaustruct

	return &Client{
		conf:      conf,
		timeouts:  timeouts,
		preferred: preferredQuality,
		http:      client,
		extractor: newExtractor(conf.WebBase, time.Duration(timeouts.FetchBundle)*time.Second, client),
		now:       time.Now,
	}
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) TargetQuality() string {
	return formatLabel(allowedFormats(c.preferred)[0])
}

func allowedFormats(preferred string) []int {
	ceiling := quality.TierOf(preferred)
	if ceiling == quality.TierUnknown {
		return formatLadder
	}

	formats := make([]int, 0, len(formatLadder))
	for _, f := range formatLadder {
		if quality.TierOf(formatLabel(f)) <= ceiling {
			formats = append(formats, f)
		}
	}

	if len(formats) == 0 {
		formats = append(formats, formatLadder[len(formatLadder)-1])
	}

	return formats
}

func (c *Client) ExtractAlbumID(song *meta.Song) (string, bool) {
	return song.AlbumID, song.AlbumID != ""
}

// Validate checks that signing credentials can be extracted from the
// backend's web asset.
func (c *Client) Validate(ctx context.Context, logger zerolog.Logger) error {
	if _, err := c.extractor.Get(ctx, logger); nil != err {
		return err
	}

	return nil
}

// sign computes the request signature for one (format, secret, time)
// combination: the MD5 hex digest of the canonical getFileUrl string.
func sign(formatID int, trackID string, ts int64, secret string) string {
	canonical := fmt.Sprintf(
		"trackgetFileUrlformat_id%dintent=streamtrack_id%s%d%s",
		formatID, trackID, ts, secret,
	)
	sum := md5.Sum([]byte(canonical)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

type fileURLResponse struct {
	URL          string  `json:"url"`
	FormatID     int     `json:"format_id"`
	MimeType     string  `json:"mime_type"`
	Sample       bool    `json:"sample"`
	SamplingRate float64 `json:"sampling_rate"`
}

// Fetch negotiates a signed file URL, trying every (secret, format)
// pair best-format-first since the correct secret is not known in
// advance, then streams the plaintext content into w. A delivered
// format below the requested one is a downgrade, not an error.
func (c *Client) Fetch(
	ctx context.Context,
	logger zerolog.Logger,
	song *meta.Song,
	w io.Writer,
) (*provider.Delivery, error) {
	bundle, err := c.extractor.Get(ctx, logger)
	if nil != err {
		return nil, err
	}

	var lastErr error
	for _, formatID := range allowedFormats(c.preferred) {
		for i, secret := range bundle.Secrets {
			res, err := c.getFileURL(ctx, logger, bundle.AppID, secret, song.Ref.ID, formatID)
			if nil != err {
				logger.
					Debug().
					Err(err).
					Int("format_id", formatID).
					Int("secret_index", i).
					Msg("Signed URL request failed, trying next combination")
				lastErr = err

				continue
			}

			delivered := res.FormatID
			if delivered != formatID {
				logger.
					Info().
					Int("requested_format_id", formatID).
					Int("delivered_format_id", delivered).
					Msg("Backend delivered a lower format than requested")
			}

			if err := c.download(ctx, logger, res.URL, w); nil != err {
				return nil, err
			}

			return &provider.Delivery{Quality: formatLabel(delivered), Ext: formatExt(delivered)}, nil
		}
	}

	return nil, fmt.Errorf("%w: %v", provider.ErrSignatureExhausted, lastErr)
}

func (c *Client) getFileURL(
	ctx context.Context,
	logger zerolog.Logger,
	appID string,
	secret string,
	trackID string,
	formatID int,
) (*fileURLResponse, error) {
	ts := c.now().Unix()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.GetStreamURLs)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		reqParams := make(url.Values, 5)
		reqParams.Add("request_ts", strconv.FormatInt(ts, 10))
		reqParams.Add("request_sig", sign(formatID, trackID, ts, secret))
		reqParams.Add("track_id", trackID)
		reqParams.Add("format_id", strconv.Itoa(formatID))
		reqParams.Add("intent", "stream")

		reqURL := c.conf.APIBase + "/track/getFileUrl?" + reqParams.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create signed URL request: %v", err)
		}
		req.Header.Set("X-App-Id", appID)

		return req, nil
	})
	if nil != err {
		return nil, fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close signed URL response body")
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusBadRequest:
		// Wrong secret for this deployment, or a format the signature
		// rules reject. The caller moves on to the next combination.
		return nil, fmt.Errorf("signed URL request was rejected with status code %d", code)
	default:
		return nil, fmt.Errorf("unexpected signed URL response status code: %d", code)
	}

	respBody, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("failed to read signed URL response body: %v", err)
	}

	var res fileURLResponse
	if err := json.Unmarshal(respBody, &res); nil != err {
		return nil, fmt.Errorf("failed to decode signed URL response body: %v", err)
	}

	if res.URL == "" {
		return nil, errors.New("signed URL response carries no URL")
	}

	if res.Sample || res.SamplingRate == 0 {
		return nil, errors.New("signed URL response is a sample, not a full track")
	}

	return &res, nil
}

func (c *Client) download(ctx context.Context, logger zerolog.Logger, fileURL string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.DownloadTrack)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create track stream request: %v", err)
		}

		return req, nil
	})
	if nil != err {
		return fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close track stream response body")
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	default:
		return fmt.Errorf("unexpected track stream response status code: %d", code)
	}

	if _, err := io.Copy(w, resp.Body); nil != err {
		return fmt.Errorf("failed to copy track stream: %v", err)
	}

	return nil
}
