package tidal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/quality"
)

// Manifest is the decoded playback descriptor: direct media URLs plus
// the content MIME type the extension and delivered quality derive from.
type Manifest struct {
	URLs     []string
	MimeType string
	Codec    string
}

// errDashManifest marks a response carrying the DASH/XML manifest
// format, which this client does not play. Callers step down one
// quality tier once before surfacing ErrManifestUnsupported.
var errDashManifest = errors.New("response carries a DASH manifest")

// decodeManifest classifies the transport-encoded payload by its MIME
// type and decodes the playable JSON variant.
func decodeManifest(manifestMimeType, payload string) (*Manifest, error) {
	switch manifestMimeType {
	case "application/vnd.tidal.bts", "vnd.tidal.bt":
	case "application/dash+xml", "dash+xml":
		return nil, errDashManifest
	default:
		return nil, fmt.Errorf("%w: unexpected manifest mime type %q", provider.ErrManifestUnsupported, manifestMimeType)
	}

	var manifest struct {
		MimeType       string   `json:"mimeType"`
		Codecs         string   `json:"codecs"`
		EncryptionType string   `json:"encryptionType"`
		URLs           []string `json:"urls"`
	}
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload))
	if err := json.NewDecoder(dec).Decode(&manifest); nil != err {
		return nil, fmt.Errorf("failed to decode manifest payload: %v", err)
	}

	switch manifest.EncryptionType {
	case "", "NONE":
	default:
		return nil, fmt.Errorf("%w: encrypted manifest (%s)", provider.ErrManifestUnsupported, manifest.EncryptionType)
	}

	if len(manifest.URLs) == 0 {
		return nil, errors.New("manifest carries no URLs")
	}

	return &Manifest{
		URLs:     manifest.URLs,
		MimeType: manifest.MimeType,
		Codec:    manifest.Codecs,
	}, nil
}

// trackExt infers the container extension from the manifest's content
// MIME type and codec.
func trackExt(mimeType, codec string) (string, error) {
	switch mimeType {
	case "audio/flac":
		return "flac", nil
	case "audio/mp4", "audio/m4a":
		switch strings.ToLower(codec) {
		case "flac":
			return "flac", nil
		default:
			return "m4a", nil
		}
	default:
		return "", fmt.Errorf("unsupported content mime type %q", mimeType)
	}
}

// deliveredQuality labels what the container actually holds: a lossless
// container keeps the requested label when that label is itself
// lossless, a lossy container caps at the lossy tiers.
func deliveredQuality(ext, requested string) string {
	if ext == "flac" {
		if quality.TierOf(requested) >= quality.TierOf("LOSSLESS") {
			return requested
		}

		return "LOSSLESS"
	}

	if tier := quality.TierOf(requested); tier > quality.TierUnknown && tier <= quality.TierOf("HIGH") {
		return requested
	}

	return "HIGH"
}
