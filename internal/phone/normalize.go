// Package phone canonicalizes user-entered phone numbers into the chat
// network's recipient address format.
//
// The rules are a length heuristic tuned for the default country:
//   - 10 or 11 digits: national number, the country code is prepended.
//   - len(cc)+11 digits already starting with cc: passed through.
//   - anything else: the country code is prepended anyway.
//
// Known limitation: numbers from other countries are mangled by the fallback
// rule (a 12-digit UK number gets the default code in front). Callers that
// need international recipients must pass numbers that already match the
// pass-through shape.
//
// Re-normalizing is stable only for the pass-through shape (len(cc)+11
// digits). A 10-digit landline becomes cc+10 digits, which matches no rule
// but the fallback, so normalizing it again prepends cc a second time.
package phone

import (
	"strings"

	"msgate/internal/errkind"
)

const (
	DefaultCountryCode   = "55"
	DefaultAddressSuffix = "@s.whatsapp.net"
)

type Normalizer struct {
	CountryCode   string
	AddressSuffix string
}

func New(countryCode, suffix string) Normalizer {
	countryCode = Digits(countryCode)
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Normalizer{CountryCode: countryCode, AddressSuffix: suffix}
}

// Normalize returns the canonical address for raw. Mobile addresses are
// stable under re-normalization; landline addresses are not (see the package
// doc).
func (n Normalizer) Normalize(raw string) (string, error) {
	num, err := n.Number(raw)
	if err != nil {
		return "", err
	}
	return num + n.AddressSuffix, nil
}

// Number is Normalize without the address suffix.
func (n Normalizer) Number(raw string) (string, error) {
	d := Digits(stripSuffix(raw, n.AddressSuffix))
	if d == "" {
		return "", errkind.New(errkind.KindInvalidRecipient, "no digits in "+quote(raw))
	}
	cc := n.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}
	switch {
	case len(d) == 10 || len(d) == 11:
		return cc + d, nil
	case len(d) == len(cc)+11 && strings.HasPrefix(d, cc):
		return d, nil
	default:
		return cc + d, nil
	}
}

// Digits strips every non-digit rune.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripSuffix(raw, suffix string) string {
	raw = strings.TrimSpace(raw)
	if suffix != "" {
		raw = strings.TrimSuffix(raw, suffix)
	}
	// Drop any other "@server" part; its digits are not part of the number.
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func quote(s string) string {
	if len(s) > 32 {
		s = s[:32] + "..."
	}
	return "\"" + s + "\""
}
