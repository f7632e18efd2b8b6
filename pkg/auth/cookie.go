package auth

import (
	"fmt"
	"strings"
)

var cookieNameReplacer = strings.NewReplacer(" ", "_", "-", "_", ".", "_")

// OwnerTokenCookieName returns the cookie an IDE frontend reads the owner
// token of instanceID from, scoped to the platform host.
func OwnerTokenCookieName(host, instanceID string) string {
	prefix := host
	switch {
	case strings.HasPrefix(prefix, "https"):
		prefix = prefix[len("https"):]
	case strings.HasPrefix(prefix, "http"):
		prefix = prefix[len("http"):]
	}
	return fmt.Sprintf("_%s_ws_%s_owner_", cookieNameReplacer.Replace(prefix), instanceID)
}
