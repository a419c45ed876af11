package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"bloodbank-notifier/pkg/relay"
)

// ErrInvalidSubscription is returned when a registration lacks required fields.
var ErrInvalidSubscription = errors.New("invalid subscription")

// IsValidEndpoint reports whether endpoint parses as an absolute URL with a host.
// It never panics; malformed input simply yields false.
func IsValidEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

// Validate checks that sub carries an endpoint and both keys.
func Validate(sub relay.Subscription) error {
	var missing []string
	if strings.TrimSpace(sub.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(sub.Keys.P256dh) == "" {
		missing = append(missing, "keys.p256dh")
	}
	if strings.TrimSpace(sub.Keys.Auth) == "" {
		missing = append(missing, "keys.auth")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSubscription, strings.Join(missing, ", "))
	}
	return nil
}
