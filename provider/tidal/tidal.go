package tidal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/quality"
)

const Name = "tidal"

const coverURLFormat = "https://resources.tidal.com/images/%s/1280x1280.jpg"

// qualityLadder lists the backend's quality labels best-first.
var qualityLadder = []string{"HI_RES_LOSSLESS", "LOSSLESS", "HIGH", "LOW"}

type Client struct {
	conf      config.Tidal
	timeouts  config.DownloadTimeouts
	preferred string
	http      *http.Client
}

func NewClient(conf config.Tidal, timeouts config.DownloadTimeouts, preferredQuality string) *Client {
	return &Client{
		conf:      conf,
		timeouts:  timeouts,
		preferred: preferredQuality,
		http:      &http.Client{}, //nolint:exhaustruct
	}
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) TargetQuality() string {
	return allowedQualities(c.preferred)[0]
}

func allowedQualities(preferred string) []string {
	ceiling := quality.TierOf(preferred)
	if ceiling == quality.TierUnknown {
		return qualityLadder
	}

	qualities := make([]string, 0, len(qualityLadder))
	for _, q := range qualityLadder {
		if quality.TierOf(q) <= ceiling {
			qualities = append(qualities, q)
		}
	}

	if len(qualities) == 0 {
		qualities = append(qualities, qualityLadder[len(qualityLadder)-1])
	}

	return qualities
}

func (c *Client) ExtractAlbumID(song *meta.Song) (string, bool) {
	return song.AlbumID, song.AlbumID != ""
}

// Validate checks that at least one configured instance answers.
func (c *Client) Validate(ctx context.Context, logger zerolog.Logger) error {
	var lastErr error
	for _, instance := range c.conf.Instances {
		resp, err := c.instanceGet(ctx, logger, instance, "/", nil, time.Duration(c.timeouts.GetMetadata)*time.Second)
		if nil != err {
			lastErr = err

			continue
		}
		_ = resp.Body.Close()

		return nil
	}

	return fmt.Errorf("%w: no instance is reachable: %v", provider.ErrUpstreamUnreachable, lastErr)
}

// Fetch requests a playback manifest at the best allowed quality,
// stepping down one tier once when the top tier answers with the
// unsupported DASH format, and streams the first manifest URL into w.
func (c *Client) Fetch(
	ctx context.Context,
	logger zerolog.Logger,
	song *meta.Song,
	w io.Writer,
) (*provider.Delivery, error) {
	qualities := allowedQualities(c.preferred)

	var (
		manifest  *Manifest
		delivered string
	)
	for attempt, q := range qualities[:min(2, len(qualities))] {
		m, err := c.manifestWithFailover(ctx, logger, song.Ref.ID, q)
		if nil != err {
			if errors.Is(err, errDashManifest) {
				if attempt == 0 && len(qualities) > 1 {
					logger.
						Info().
						Str("quality", q).
						Msg("Top quality tier answered with a DASH manifest, stepping down one tier")

					continue
				}

				return nil, provider.ErrManifestUnsupported
			}

			return nil, err
		}

		manifest, delivered = m, q

		break
	}
	if nil == manifest {
		return nil, provider.ErrManifestUnsupported
	}

	ext, err := trackExt(manifest.MimeType, manifest.Codec)
	if nil != err {
		return nil, fmt.Errorf("%w: %v", provider.ErrManifestUnsupported, err)
	}

	if err := c.download(ctx, logger, manifest.URLs[0], w); nil != err {
		return nil, err
	}

	return &provider.Delivery{Quality: deliveredQuality(ext, delivered), Ext: ext}, nil
}

// manifestWithFailover sweeps the configured instances in order, moving
// to the next on connection failure, with bounded exponential backoff
// between whole sweeps. Protocol-level answers (including DASH
// classification) are terminal and abort the failover.
func (c *Client) manifestWithFailover(
	ctx context.Context,
	logger zerolog.Logger,
	id string,
	trackQuality string,
) (*Manifest, error) {
	var manifest *Manifest
	operation := func() error {
		var lastErr error
		for _, instance := range c.conf.Instances {
			m, err := c.getManifest(ctx, logger, instance, id, trackQuality)
			if nil != err {
				var transportErr *url.Error
				if errors.As(err, &transportErr) || errors.Is(err, provider.ErrUpstreamUnreachable) {
					logger.
						Warn().
						Err(err).
						Str("instance", instance).
						Msg("Instance is unreachable, failing over to the next")
					lastErr = err

					continue
				}

				return backoff.Permanent(err)
			}

			manifest = m

			return nil
		}

		return fmt.Errorf("%w: all instances failed: %v", provider.ErrUpstreamUnreachable, lastErr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); nil != err {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}

		return nil, err
	}

	return manifest, nil
}

func (c *Client) getManifest(
	ctx context.Context,
	logger zerolog.Logger,
	instance string,
	id string,
	trackQuality string,
) (*Manifest, error) {
	params := url.Values{"id": {id}, "quality": {trackQuality}}
	resp, err := c.instanceGet(
		ctx, logger, instance, "/track/", params,
		time.Duration(c.timeouts.GetStreamURLs)*time.Second,
	)
	if nil != err {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close manifest response body")
		}
	}()

	respBody, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("failed to read manifest response body: %v", err)
	}

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusNotFound:
		if ok, probeErr := httputil.IsAssetNotFoundResponse(respBody); nil == probeErr && ok {
			return nil, provider.ErrTrackNotFound
		}

		return nil, fmt.Errorf("unexpected 404 manifest response with body: %s", string(respBody))
	default:
		return nil, fmt.Errorf("unexpected manifest response status code: %d", code)
	}

	var envelope struct {
		Data struct {
			ManifestMimeType string `json:"manifestMimeType"`
			Manifest         string `json:"manifest"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); nil != err {
		return nil, fmt.Errorf("failed to decode manifest envelope: %v", err)
	}

	if envelope.Data.Manifest == "" {
		return nil, errors.New("manifest response carries no payload")
	}

	return decodeManifest(envelope.Data.ManifestMimeType, envelope.Data.Manifest)
}

func (c *Client) instanceGet(
	ctx context.Context,
	logger zerolog.Logger,
	instance string,
	path string,
	params url.Values,
	timeout time.Duration,
) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		reqURL := strings.TrimSuffix(instance, "/") + path
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create instance request: %v", err)
		}
		req.Header.Add("Accept", "application/json")

		return req, nil
	})
	if nil != err {
		return nil, fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}

	return resp, nil
}

func (c *Client) download(ctx context.Context, logger zerolog.Logger, mediaURL string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.DownloadTrack)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
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

// coverURL expands a cover id into the image CDN location.
func coverURL(coverID string) string {
	if coverID == "" {
		return ""
	}

	return fmt.Sprintf(coverURLFormat, strings.ReplaceAll(coverID, "-", "/"))
}
