package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeHomeserver trims input, adds an https scheme when none is given
// and drops trailing slashes.
func NormalizeHomeserver(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("%w: homeserver is empty", ErrInvalidArgument)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: parse homeserver %q: %v", ErrInvalidArgument, input, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: homeserver %q must use http or https", ErrInvalidArgument, input)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: homeserver %q has no host", ErrInvalidArgument, input)
	}

	return trimmed, nil
}
