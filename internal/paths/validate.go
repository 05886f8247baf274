package paths

import (
	"fmt"
	"regexp"
)

var userIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateUserID checks that a clinic user id is safe to use as a key and
// in device store names.
func ValidateUserID(id string) error {
	if !userIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match ^[A-Za-z0-9_-]{1,64}$", id)
	}
	return nil
}
