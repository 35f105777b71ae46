package settlement

import "strings"

// IsLegacyAssetRef reports whether a pool's display image looks like an
// on-chain asset identifier rather than an image URL. Legacy admin rows
// stored the asset mint in the image field before prize_kind existed;
// newer rows carry an explicit asset ref and a real URL here. This is
// the single compatibility check: every caller that needs to sniff an
// asset ref out of a display image goes through this function.
func IsLegacyAssetRef(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	if strings.ContainsAny(s, "/.") {
		return false
	}
	for _, r := range s {
		if !isBase58Char(r) {
			return false
		}
	}
	return true
}

// isBase58Char matches the alphabet used by asset mint addresses.
// 0, O, I and l are excluded.
func isBase58Char(r rune) bool {
	switch {
	case r >= '1' && r <= '9':
		return true
	case r >= 'A' && r <= 'H':
		return true
	case r >= 'J' && r <= 'N':
		return true
	case r >= 'P' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'k':
		return true
	case r >= 'm' && r <= 'z':
		return true
	default:
		return false
	}
}
