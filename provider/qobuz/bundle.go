package qobuz

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/provider"
)

// Bundle holds the signing credentials extracted from the backend's web
// bundle asset. Immutable once extracted.
type Bundle struct {
	AppID   string
	Secrets []string
}

// The bundle asset is a third-party artifact whose format may change
// upstream without notice. All pattern matching against it lives in
// this type so it can be updated without touching negotiation logic.
type extractor struct {
	webBase string
	timeout time.Duration
	http    *http.Client

	mux    sync.RWMutex
	bundle *Bundle
}

func newExtractor(webBase string, timeout time.Duration, client *http.Client) *extractor {
	return &extractor{ //nolint:exhaustruct
		webBase: webBase,
		timeout: timeout,
		http:    client,
	}
}

var (
	bundleURLPattern = regexp.MustCompile(`<script src="(/resources/\d+\.\d+\.\d+-[a-z]\d{3}/bundle\.js)"`)
	appIDPattern     = regexp.MustCompile(`production:\{api:\{appId:"(\d{9})"`)
	seedPattern      = regexp.MustCompile(`[a-z]\.initialSeed\("([^"]+)",window\.utimezone\.([a-z]+)\)`)
)

// Get returns the cached bundle, extracting it on first use. Extraction
// runs at most once across concurrent first callers.
func (e *extractor) Get(ctx context.Context, logger zerolog.Logger) (*Bundle, error) {
	e.mux.RLock()
	b := e.bundle
	e.mux.RUnlock()
	if nil != b {
		return b, nil
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if nil != e.bundle {
		return e.bundle, nil
	}

	b, err := e.extract(ctx, logger)
	if nil != err {
		return nil, err
	}
	e.bundle = b

	return b, nil
}

func (e *extractor) extract(ctx context.Context, logger zerolog.Logger) (*Bundle, error) {
	loginPage, err := e.fetchAsset(ctx, logger, e.webBase+"/login")
	if nil != err {
		return nil, fmt.Errorf("failed to fetch login page: %w", err)
	}

	bundlePath := bundleURLPattern.FindSubmatch(loginPage)
	if nil == bundlePath {
		return nil, fmt.Errorf("%w: login page carries no bundle asset URL", provider.ErrCredentialInvalid)
	}

	bundleAsset, err := e.fetchAsset(ctx, logger, e.webBase+string(bundlePath[1]))
	if nil != err {
		return nil, fmt.Errorf("failed to fetch bundle asset: %w", err)
	}

	appID := appIDPattern.FindSubmatch(bundleAsset)
	if nil == appID {
		return nil, fmt.Errorf("%w: bundle asset carries no app id", provider.ErrCredentialInvalid)
	}

	secrets, err := extractSecrets(bundleAsset)
	if nil != err {
		return nil, err
	}

	logger.
		Debug().
		Str("app_id", string(appID[1])).
		Int("secrets", len(secrets)).
		Msg("Extracted signing credentials from bundle asset")

	return &Bundle{AppID: string(appID[1]), Secrets: secrets}, nil
}

// extractSecrets rebuilds the per-timezone signing secrets from the
// bundle: collect the base64 seeds keyed by timezone, move the second
// discovered timezone's entry to the front (the bundle relies on this
// order; do not change it), append each timezone's info and extras
// captures, drop the trailing 44 characters and base64-decode the rest.
func extractSecrets(bundle []byte) ([]string, error) {
	seedMatches := seedPattern.FindAllSubmatch(bundle, -1)
	if len(seedMatches) == 0 {
		return nil, fmt.Errorf("%w: bundle asset carries no seeds", provider.ErrCredentialInvalid)
	}

	type seedEntry struct {
		timezone string
		seed     string
	}
	entries := make([]seedEntry, 0, len(seedMatches))
	for _, m := range seedMatches {
		entries = append(entries, seedEntry{timezone: string(m[2]), seed: string(m[1])})
	}

	if len(entries) > 1 {
		entries = append([]seedEntry{entries[1]}, append(entries[:1:1], entries[2:]...)...)
	}

	timezones := make([]string, 0, len(entries))
	for _, entry := range entries {
		timezones = append(timezones, capitalize(entry.timezone))
	}
	infoPattern, err := regexp.Compile(
		fmt.Sprintf(`name:"\w+/(%s)",info:"([^"]+)",extras:"([^"]+)"`, strings.Join(timezones, "|")),
	)
	if nil != err {
		return nil, fmt.Errorf("failed to compile info pattern: %v", err)
	}

	infos := make(map[string][2]string, len(entries))
	for _, m := range infoPattern.FindAllSubmatch(bundle, -1) {
		infos[strings.ToLower(string(m[1]))] = [2]string{string(m[2]), string(m[3])}
	}

	secrets := make([]string, 0, len(entries))
	for _, entry := range entries {
		info, ok := infos[entry.timezone]
		if !ok {
			continue
		}

		joined := entry.seed + info[0] + info[1]
		if len(joined) <= 44 {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(joined[:len(joined)-44])
		if nil != err {
			return nil, fmt.Errorf("failed to decode %s timezone secret: %v", entry.timezone, err)
		}
		secrets = append(secrets, string(decoded))
	}

	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no timezone secret could be rebuilt from the bundle", provider.ErrCredentialInvalid)
	}

	return secrets, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}

func (e *extractor) fetchAsset(ctx context.Context, logger zerolog.Logger, assetURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, e.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create asset request: %v", err)
		}

		return req, nil
	})
	if nil != err {
		return nil, fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close asset response body")
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected asset response status code: %d", code)
	}

	respBody, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("failed to read asset response body: %v", err)
	}

	return respBody, nil
}
