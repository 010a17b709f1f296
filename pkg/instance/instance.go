package instance

import (
	"os"
	"strings"
)

const (
	envInstanceID = "ORDERTRACK_INSTANCE_ID"
	fallbackID    = "ordertrack-0"
)

// GetID identifies this process in logs: the configured id, then the hostname.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv(envInstanceID)); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
