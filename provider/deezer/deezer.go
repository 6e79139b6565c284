package deezer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/mathutil"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/quality"
	"github.com/veymar/trackgate/ratelimit"
)

const Name = "deezer"

const (
	defaultGatewayBase = "https://www.deezer.com/ajax/gw-light.php"
	defaultMediaBase   = "https://media.deezer.com/v1/get_url"
	defaultAPIBase     = "https://api.deezer.com"
)

// formatLadder is the negotiation priority list, best first.
var formatLadder = []string{"FLAC", "MP3_320", "MP3_128"}

type Client struct {
	conf      config.Deezer
	timeouts  config.DownloadTimeouts
	preferred string
	gate      *ratelimit.Gate
	http      *http.Client

	gatewayBase string
	mediaBase   string
	apiBase     string

	mux     sync.Mutex
	session *session
}

func NewClient(conf config.Deezer, timeouts config.DownloadTimeouts, preferredQuality string) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if nil != err {
		return nil, fmt.Errorf("failed to create cookie jar: %v", err)
	}

	return &Client{ //nolint:exhaustruct
		conf:        conf,
		timeouts:    timeouts,
		preferred:   preferredQuality,
		gate:        ratelimit.NewGate(conf.RequestInterval.Duration),
		http:        &http.Client{Jar: jar}, //nolint:exhaustruct
		gatewayBase: defaultGatewayBase,
		mediaBase:   defaultMediaBase,
		apiBase:     defaultAPIBase,
	}, nil
}

func (c *Client) Name() string {
	return Name
}

// TargetQuality is the best format label the ladder can deliver under
// the configured preferred quality.
func (c *Client) TargetQuality() string {
	return allowedFormats(c.preferred)[0]
}

func allowedFormats(preferred string) []string {
	ceiling := quality.TierOf(preferred)
	if ceiling == quality.TierUnknown {
		return formatLadder
	}

	formats := make([]string, 0, len(formatLadder))
	for _, f := range formatLadder {
		if quality.TierOf(f) <= ceiling {
			formats = append(formats, f)
		}
	}

	if len(formats) == 0 {
		// Preferred quality sits below the whole ladder; serve the floor.
		formats = append(formats, formatLadder[len(formatLadder)-1])
	}

	return formats
}

func (c *Client) ExtractAlbumID(song *meta.Song) (string, bool) {
	return song.AlbumID, song.AlbumID != ""
}

// Validate runs the ARL handshake without fetching content.
func (c *Client) Validate(ctx context.Context, logger zerolog.Logger) error {
	if c.conf.ARL == "" {
		return fmt.Errorf("%w: no ARL is configured", provider.ErrCredentialInvalid)
	}

	if _, err := c.ensureSession(ctx, logger); nil != err {
		return err
	}

	return nil
}

func (c *Client) ensureSession(ctx context.Context, logger zerolog.Logger) (*session, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if nil != c.session {
		return c.session, nil
	}

	s, err := c.handshake(ctx, logger, c.conf.ARL)
	if nil != err {
		return nil, fmt.Errorf("failed to establish gateway session: %w", err)
	}
	c.session = s

	return s, nil
}

// Fetch resolves a playable id for the song (degrading to an alternative
// when the primary is region-restricted), negotiates a signed media URL
// down the format ladder, and writes the decrypted stream to w.
func (c *Client) Fetch(
	ctx context.Context,
	logger zerolog.Logger,
	song *meta.Song,
	w io.Writer,
) (*provider.Delivery, error) {
	s, err := c.ensureSession(ctx, logger)
	if nil != err {
		return nil, err
	}

	track, err := c.publicTrack(ctx, logger, song.Ref.ID)
	if nil != err {
		return nil, err
	}

	fetchID := song.Ref.ID
	if !track.Readable {
		logger.Info().Str("id", fetchID).Msg("Track is region-unavailable, searching for an alternative")
		alt, err := c.findAlternative(ctx, logger, s, track)
		if nil != err {
			return nil, err
		}
		fetchID = alt
	}

	formats := allowedFormats(c.preferred)

	mediaURL, format, err := c.negotiateFor(ctx, logger, s, fetchID, formats)
	if nil != err {
		return nil, err
	}

	if mediaURL == "" && fetchID == song.Ref.ID {
		// The primary track negotiated to nothing; an alternative may
		// still carry playable sources.
		if alt, altErr := c.findAlternative(ctx, logger, s, track); nil == altErr {
			fetchID = alt
			mediaURL, format, err = c.negotiateFor(ctx, logger, s, fetchID, formats)
			if nil != err {
				return nil, err
			}
		}
	}

	if mediaURL == "" && c.conf.ARLSecondary != "" {
		logger.Info().Msg("No playable source under primary ARL, retrying under secondary")
		s, err = c.handshake(ctx, logger, c.conf.ARLSecondary)
		if nil != err {
			return nil, fmt.Errorf("failed to establish secondary gateway session: %w", err)
		}

		mediaURL, format, err = c.negotiateFor(ctx, logger, s, fetchID, formats)
		if nil != err {
			return nil, err
		}
	}

	if mediaURL == "" {
		return nil, provider.ErrTrackUnavailable
	}

	if err := c.download(ctx, logger, fetchID, mediaURL, w); nil != err {
		return nil, err
	}

	return &provider.Delivery{Quality: format, Ext: extFor(format)}, nil
}

func (c *Client) negotiateFor(
	ctx context.Context,
	logger zerolog.Logger,
	s *session,
	id string,
	formats []string,
) (string, string, error) {
	song, err := c.songData(ctx, logger, s, id)
	if nil != err {
		return "", "", err
	}

	return c.negotiateURL(ctx, logger, s, song.TrackToken, formats)
}

func (c *Client) download(
	ctx context.Context,
	logger zerolog.Logger,
	trackID string,
	mediaURL string,
	w io.Writer,
) error {
	if err := c.gate.Wait(ctx); nil != err {
		return err
	}

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

	if size := resp.ContentLength; size > 0 {
		logger.
			Debug().
			Int64("size", size).
			Int64("chunks", mathutil.DivCeil(size, int64(chunkSize))).
			Msg("Downloading track stream")
	}

	if err := decryptStream(trackID, resp.Body, w); nil != err {
		return err
	}

	return nil
}

func extFor(format string) string {
	if format == "FLAC" {
		return "flac"
	}

	return "mp3"
}
