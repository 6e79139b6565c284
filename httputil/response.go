package httputil

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

func ReadResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	return respBody, nil
}

// IsAssetNotFoundResponse reports whether a 404 response body carries the
// streaming API's structured track-not-found payload, as opposed to a
// routing 404 from a misconfigured instance.
func IsAssetNotFoundResponse(b []byte) (bool, error) {
	var body struct {
		Status      int    `json:"status"`
		SubStatus   int    `json:"subStatus"`
		UserMessage string `json:"userMessage"`
	}
	if err := json.Unmarshal(b, &body); nil != err {
		return false, fmt.Errorf("failed to decode 404 status code response body: %v", err)
	}

	return body.Status == 404 && body.SubStatus == 2001, nil
}
