package purchase

import (
	"fmt"
	"strings"
)

// NormalizePhone converts a Kenyan mobile number to the canonical
// 254XXXXXXXXX form. Accepted inputs: 07XXXXXXXX, 01XXXXXXXX, 7XXXXXXXX,
// 1XXXXXXXX, 2547XXXXXXXX, +2547XXXXXXXX (spaces and dashes ignored).
func NormalizePhone(raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")

	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
		}
	}

	var subscriber string
	switch {
	case len(s) == 12 && strings.HasPrefix(s, "254"):
		subscriber = s[3:]
	case len(s) == 10 && strings.HasPrefix(s, "0"):
		subscriber = s[1:]
	case len(s) == 9:
		subscriber = s
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}

	if subscriber[0] != '7' && subscriber[0] != '1' {
		return "", fmt.Errorf("%w: %q is not a mobile number", ErrInvalidPhone, raw)
	}
	return "254" + subscriber, nil
}
