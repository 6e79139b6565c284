package quality

import "strings"

// Tier is the ordinal rank of an audio quality label. Higher is better.
type Tier int

const (
	TierUnknown Tier = iota
	TierLossyLow
	TierLossyHigh
	TierLossless
	TierHiResLow
	TierHiResHigh
)

func (t Tier) String() string {
	switch t {
	case TierLossyLow:
		return "lossy-low"
	case TierLossyHigh:
		return "lossy-high"
	case TierLossless:
		return "lossless-16"
	case TierHiResLow:
		return "lossless-24-low"
	case TierHiResHigh:
		return "lossless-24-high"
	case TierUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

var tiers = map[string]Tier{
	"MP3_128":         TierLossyLow,
	"LOW":             TierLossyLow,
	"MP3_320":         TierLossyHigh,
	"HIGH":            TierLossyHigh,
	"FLAC":            TierLossless,
	"LOSSLESS":        TierLossless,
	"CD":              TierLossless,
	"FLAC_24_96":      TierHiResLow,
	"HI_RES":          TierHiResLow,
	"FLAC_24_192":     TierHiResHigh,
	"HI_RES_LOSSLESS": TierHiResHigh,
}

// TierOf ranks a quality label. Unknown labels rank lowest so anything
// concrete can replace them.
func TierOf(label string) Tier {
	if t, ok := tiers[strings.ToUpper(strings.TrimSpace(label))]; ok {
		return t
	}

	return TierUnknown
}

func Known(label string) bool {
	_, ok := tiers[strings.ToUpper(strings.TrimSpace(label))]

	return ok
}

// ShouldUpgrade reports whether a stored track of quality existing is
// worth re-fetching at quality target. An empty target never upgrades;
// an empty existing quality always does.
func ShouldUpgrade(existing, target string) bool {
	if target == "" {
		return false
	}

	if existing == "" {
		return true
	}

	return TierOf(target) > TierOf(existing)
}
