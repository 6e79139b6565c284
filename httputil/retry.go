package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Do issues the request produced by build, retrying transport errors and
// throttling statuses (429, 503) with bounded exponential backoff. The
// request is rebuilt on every attempt so request bodies are never reused.
// On success the response body is left open for the caller.
func Do(
	ctx context.Context,
	logger zerolog.Logger,
	client *http.Client,
	build func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	var resp *http.Response

	backoff := retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := build(ctx)
		if nil != err {
			return fmt.Errorf("failed to build request: %v", err)
		}

		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", UserAgent)
		}

		res, err := client.Do(req)
		if nil != err {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			logger.
				Warn().
				Err(err).
				Str("url", req.URL.String()).
				Msg("Retrying request after transport error")

			return retry.RetryableError(err)
		}

		switch code := res.StatusCode; code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			discardAndClose(logger, res)
			logger.
				Warn().
				Int("status_code", code).
				Str("url", req.URL.String()).
				Msg("Retrying request after upstream throttle")

			return retry.RetryableError(fmt.Errorf("upstream responded with status code %d", code))
		default:
			resp = res

			return nil
		}
	})
	if nil != err {
		return nil, err
	}

	return resp, nil
}

func discardAndClose(logger zerolog.Logger, resp *http.Response) {
	if _, err := io.Copy(io.Discard, resp.Body); nil != err {
		logger.Warn().Err(err).Msg("Failed to discard response body")
	}

	if err := resp.Body.Close(); nil != err {
		logger.Warn().Err(err).Msg("Failed to close response body")
	}
}
