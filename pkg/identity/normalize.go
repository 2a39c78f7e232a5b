package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// HashEmail lowercases, trims, and SHA-256 hex-hashes an email address,
// producing the value stored under IdentifierEmailHash. The plain email
// is never retained past this call.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizePhone strips non-digit characters and reformats the number to
// E.164 using defaultCountryCallingCode (e.g. "1" for the US) when the
// input isn't already E.164 (doesn't start with "+"). This is a
// best-effort reformatting, not full number validation — the spec leaves
// strictness and region as a configuration surface (spec §9 Open
// Questions), and no phone-validation library is available in the
// example corpus this module is grounded on.
func NormalizePhone(raw, defaultCountryCallingCode string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "+") {
		return "+" + nonDigits.ReplaceAllString(raw, "")
	}
	digits := nonDigits.ReplaceAllString(raw, "")
	return "+" + defaultCountryCallingCode + digits
}

// NormalizeIdentifiers converts a caller's raw {type string -> value}
// input into normalized contracts.Identifier values, applying email
// hashing and phone normalization as needed. Other identifier types pass
// through unchanged.
func NormalizeIdentifiers(raw map[contracts.IdentifierType]string, phoneDefaultCountryCode string) []contracts.Identifier {
	out := make([]contracts.Identifier, 0, len(raw))
	for t, v := range raw {
		switch t {
		case contracts.IdentifierEmailHash:
			out = append(out, contracts.Identifier{Type: t, Value: HashEmail(v)})
		case contracts.IdentifierPhoneNumber:
			out = append(out, contracts.Identifier{Type: t, Value: NormalizePhone(v, phoneDefaultCountryCode)})
		default:
			out = append(out, contracts.Identifier{Type: t, Value: v})
		}
	}
	return out
}

// TruncatedValue returns a short, audit-safe fragment of an identifier
// value for use in step labels like "found_via_email_hash:<truncated>" —
// never the full value, to keep hashes/PII out of plain-text audit steps.
func TruncatedValue(value string) string {
	if len(value) <= 8 {
		return value
	}
	return value[:8]
}
