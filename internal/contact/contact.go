package contact

import (
	"fmt"
	"regexp"
	"strings"
)

// idRegexp matches a normalized phone-shaped contact id (E.164 without '+').
// Longer numeric ids are internal artifacts (linked ids, broadcast lists),
// not real chats.
var idRegexp = regexp.MustCompile(`^[0-9]{7,15}$`)

// Normalize reduces an address to its network-agnostic contact id: the user
// part of a JID, digits only.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	// Device suffix ("123:4@s.whatsapp.net").
	if colon := strings.IndexByte(addr, ':'); colon >= 0 {
		addr = addr[:colon]
	}
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Valid reports whether id has the shape of a real contact.
func Valid(id string) bool {
	return idRegexp.MatchString(id)
}

// Validate normalizes addr and checks the result.
func Validate(addr string) (string, error) {
	id := Normalize(addr)
	if !Valid(id) {
		return "", fmt.Errorf("invalid contact id %q: must be 7 to 15 digits", addr)
	}
	return id, nil
}
