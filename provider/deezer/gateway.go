package deezer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/redact"
)

// session holds the short-lived tokens issued for one ARL handshake. The
// api token signs gateway calls, the license token signs media URL
// negotiation.
type session struct {
	arl          string
	apiToken     string
	licenseToken string
}

// handshake authenticates an ARL cookie against the gateway and extracts
// the checkForm api token and the license token from the user-data
// result. An empty or unparseable result means the ARL is not accepted.
func (c *Client) handshake(ctx context.Context, logger zerolog.Logger, arl string) (*session, error) {
	gatewayURL, err := url.Parse(c.gatewayBase)
	if nil != err {
		return nil, fmt.Errorf("failed to parse gateway URL: %v", err)
	}
	c.http.Jar.SetCookies(gatewayURL, []*http.Cookie{{Name: "arl", Value: arl}}) //nolint:exhaustruct

	respBody, err := c.gatewayCall(ctx, logger, "deezer.getUserData", "", struct{}{})
	if nil != err {
		return nil, fmt.Errorf("failed to call user data gateway method: %w", err)
	}

	apiToken := gjson.GetBytes(respBody, "results.checkForm").String()
	userID := gjson.GetBytes(respBody, "results.USER.USER_ID").Int()
	if apiToken == "" || userID == 0 {
		logger.
			Warn().
			Str("arl", redact.String(arl)).
			Msg("Gateway user data result carries no session, ARL rejected")

		return nil, provider.ErrCredentialInvalid
	}

	return &session{
		arl:          arl,
		apiToken:     apiToken,
		licenseToken: gjson.GetBytes(respBody, "results.USER.OPTIONS.license_token").String(),
	}, nil
}

// gatewayCall issues one gw-light method call through the backend's rate
// gate and returns the raw response body for the caller to probe.
func (c *Client) gatewayCall(
	ctx context.Context,
	logger zerolog.Logger,
	method string,
	apiToken string,
	payload any,
) ([]byte, error) {
	if err := c.gate.Wait(ctx); nil != err {
		return nil, err
	}

	reqBody, err := json.Marshal(payload)
	if nil != err {
		return nil, fmt.Errorf("failed to encode gateway request payload: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.GetMetadata)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		reqURL, err := url.Parse(c.gatewayBase)
		if nil != err {
			return nil, fmt.Errorf("failed to parse gateway URL: %v", err)
		}

		reqParams := make(url.Values, 4)
		reqParams.Add("method", method)
		reqParams.Add("input", "3")
		reqParams.Add("api_version", "1.0")
		reqParams.Add("api_token", apiToken)
		reqURL.RawQuery = reqParams.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(reqBody))
		if nil != err {
			return nil, fmt.Errorf("failed to create gateway request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		return req, nil
	})
	if nil != err {
		return nil, fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close gateway response body")
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected gateway response status code: %d", code)
	}

	respBody, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("failed to read gateway response body: %v", err)
	}

	if result := gjson.GetBytes(respBody, "error"); result.IsObject() && len(result.Map()) > 0 {
		return nil, fmt.Errorf("gateway method %s responded with error: %s", method, result.Raw)
	}

	return respBody, nil
}

// gwSong is the authenticated view of one track: the token media URL
// negotiation requires plus the provider-private fallback id, when the
// catalog carries one.
type gwSong struct {
	ID         string
	TrackToken string
	FallbackID string
}

func (c *Client) songData(
	ctx context.Context,
	logger zerolog.Logger,
	s *session,
	id string,
) (*gwSong, error) {
	respBody, err := c.gatewayCall(ctx, logger, "deezer.pageTrack", s.apiToken, map[string]string{"SNG_ID": id})
	if nil != err {
		return nil, fmt.Errorf("failed to call page track gateway method: %w", err)
	}

	data := gjson.GetBytes(respBody, "results.DATA")
	if !data.Exists() {
		return nil, fmt.Errorf("%w: gateway page track result carries no data", provider.ErrTrackNotFound)
	}

	return &gwSong{
		ID:         data.Get("SNG_ID").String(),
		TrackToken: data.Get("TRACK_TOKEN").String(),
		FallbackID: data.Get("FALLBACK.SNG_ID").String(),
	}, nil
}

// negotiateURL asks the media endpoint for a signed stream URL for the
// given track token and format priority list. An empty URL with nil
// error means the response carried no playable source, which callers
// handle by falling back to an alternative track or credential.
func (c *Client) negotiateURL(
	ctx context.Context,
	logger zerolog.Logger,
	s *session,
	trackToken string,
	formats []string,
) (mediaURL string, deliveredFormat string, err error) {
	type mediaFormat struct {
		Cipher string `json:"cipher"`
		Format string `json:"format"`
	}
	reqPayload := struct {
		LicenseToken string `json:"license_token"`
		Media        []struct {
			Type    string        `json:"type"`
			Formats []mediaFormat `json:"formats"`
		} `json:"media"`
		TrackTokens []string `json:"track_tokens"`
	}{
		LicenseToken: s.licenseToken,
		Media: []struct {
			Type    string        `json:"type"`
			Formats []mediaFormat `json:"formats"`
		}{
			{
				Type: "FULL",
				Formats: make([]mediaFormat, 0, len(formats)),
			},
		},
		TrackTokens: []string{trackToken},
	}
	for _, f := range formats {
		reqPayload.Media[0].Formats = append(reqPayload.Media[0].Formats, mediaFormat{
			Cipher: "BF_CBC_STRIPE",
			Format: f,
		})
	}

	reqBody, err := json.Marshal(reqPayload)
	if nil != err {
		return "", "", fmt.Errorf("failed to encode media URL request payload: %v", err)
	}

	if err := c.gate.Wait(ctx); nil != err {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.GetStreamURLs)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mediaBase, bytes.NewReader(reqBody))
		if nil != err {
			return nil, fmt.Errorf("failed to create media URL request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		return req, nil
	})
	if nil != err {
		return "", "", fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close media URL response body")
			err = errors.Join(err, fmt.Errorf("failed to close media URL response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	default:
		return "", "", fmt.Errorf("unexpected media URL response status code: %d", code)
	}

	respBody, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return "", "", fmt.Errorf("failed to read media URL response body: %v", err)
	}

	media := gjson.GetBytes(respBody, "data.0.media.0")
	if !media.Exists() {
		logger.
			Debug().
			Strs("formats", formats).
			Msg("Media URL response carries no playable source")

		return "", "", nil
	}

	srcURL := media.Get("sources.0.url").String()
	if srcURL == "" {
		return "", "", nil
	}

	return srcURL, media.Get("format").String(), nil
}
