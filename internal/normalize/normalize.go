// Package normalize canonicalizes addresses and owner names into the stable
// text used as the shared lookup cache key.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rehouzd/skiptrace/internal/model"
)

const (
	maxAddressLen = 512
	maxOwnerLen   = 256
)

// Text lowercases s, folds accents, removes punctuation variance and
// collapses whitespace. Text(Text(s)) == Text(s).
func Text(s string) string {
	// A transform chain holds state, so build one per call.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'' || r == '’' || r == '.':
			// "O'Brien" == "OBrien", "St." == "St"
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Owner normalizes an owner name. A missing owner becomes "".
func Owner(s string) string {
	return Text(s)
}

// Address normalizes a street address, abbreviating street suffixes,
// directionals and a trailing state name to their USPS forms.
func Address(s string) string {
	words := strings.Fields(Text(s))
	if len(words) == 0 {
		return ""
	}
	words = abbreviateState(words)
	for i, w := range words {
		if abbr, ok := streetWords[w]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}

// Key builds the cache key for an address and optional owner name.
func Key(address, owner string) (model.ContactLookupKey, error) {
	if len(address) > maxAddressLen {
		return model.ContactLookupKey{}, model.Validationf("address longer than %d characters", maxAddressLen)
	}
	if len(owner) > maxOwnerLen {
		return model.ContactLookupKey{}, model.Validationf("owner name longer than %d characters", maxOwnerLen)
	}

	addr := Address(address)
	if addr == "" {
		return model.ContactLookupKey{}, model.Validationf("address is required")
	}
	if !strings.ContainsFunc(addr, unicode.IsLetter) {
		return model.ContactLookupKey{}, model.Validationf("address %q has no street or city name", address)
	}

	return model.ContactLookupKey{Address: addr, Owner: Owner(owner)}, nil
}

// ContactValue normalizes a phone number or email for vote matching. Values
// with an @ are treated as emails; everything else keeps only its digits,
// dropping a leading US country code.
func ContactValue(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if digits == "" {
		return strings.ToLower(s)
	}
	return digits
}
