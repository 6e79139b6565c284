package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/unit"
)

const coverFileName = "cover.jpg"

// EnsureCover downloads the album cover next to a track when no cover
// exists there yet.
func EnsureCover(
	ctx context.Context,
	logger zerolog.Logger,
	client *http.Client,
	trackPath string,
	coverURL string,
) error {
	if coverURL == "" {
		return nil
	}

	path := filepath.Join(filepath.Dir(trackPath), coverFileName)
	if _, err := os.Stat(path); nil == err {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat cover file: %v", err)
	}

	resp, err := httputil.Do(ctx, logger, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, coverURL, nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create cover request: %v", err)
		}

		return req, nil
	})
	if nil != err {
		return fmt.Errorf("failed to download cover: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close cover response body")
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	default:
		return fmt.Errorf("unexpected cover download response status code: %d", code)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 10*unit.Mebibyte))
	if nil != err {
		return fmt.Errorf("failed to read cover response body: %v", err)
	}

	if len(b) == 0 {
		return errors.New("unexpected empty cover response body")
	}

	return writeCover(path, b)
}

func writeCover(path string, b []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o600)
	if nil != err {
		return fmt.Errorf("failed to open cover file for write: %v", err)
	}
	defer func() {
		if nil != err {
			if removeErr := os.Remove(path); nil != removeErr &&
				!errors.Is(removeErr, os.ErrNotExist) {
				err = errors.Join(
					err,
					fmt.Errorf("failed to remove incomplete cover file: %v", removeErr),
				)
			}
		} else {
			if closeErr := f.Close(); nil != closeErr {
				err = fmt.Errorf("failed to close cover file: %v", closeErr)
			}
		}
	}()

	if _, err := f.Write(b); nil != err {
		return fmt.Errorf("failed to write cover file: %v", err)
	}

	if err := f.Sync(); nil != err {
		return fmt.Errorf("failed to sync cover file: %v", err)
	}

	return nil
}
