package provider

import "errors"

var (
	ErrUnsupportedProvider = errors.New("provider is not supported")
	ErrTrackNotFound       = errors.New("track was not found")
	ErrCredentialInvalid   = errors.New("backend credential is invalid")
	ErrTrackUnavailable    = errors.New("track is unavailable and no alternative was found")
	ErrUpstreamUnreachable = errors.New("upstream is unreachable")
	ErrManifestUnsupported = errors.New("manifest format is not supported")
	ErrSignatureExhausted  = errors.New("all signature secret and format combinations failed")
	ErrDecryptionFailed    = errors.New("track stream decryption failed")
)
