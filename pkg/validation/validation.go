package validation

import (
	"fmt"
	"net/url"
	"regexp"
)

var (
	// TabIDRegex validates tab and target identifiers
	TabIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	MinUploadInterval = 10_000         // ms
	MaxUploadInterval = 24 * 3_600_000 // ms
	MaxRecentLimit    = 1000
)

// ValidateTabID validates a tab id as sent by the control API or a relay
func ValidateTabID(tabID string) error {
	if tabID == "" {
		return fmt.Errorf("tab ID is required")
	}
	if len(tabID) > 128 {
		return fmt.Errorf("tab ID is too long (max 128 characters)")
	}
	if !TabIDRegex.MatchString(tabID) {
		return fmt.Errorf("invalid tab ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateEndpoint validates the base URL of a remote collector
func ValidateEndpoint(endpoint string) error {
	if err := ValidateURL(endpoint); err != nil {
		return err
	}
	u, _ := url.Parse(endpoint)
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint scheme (must be http or https)")
	}
	return nil
}

// ValidateUploadInterval validates an upload interval in milliseconds
func ValidateUploadInterval(ms int64) error {
	if ms < MinUploadInterval {
		return fmt.Errorf("upload interval must be at least %d ms", MinUploadInterval)
	}
	if ms > MaxUploadInterval {
		return fmt.Errorf("upload interval is too long (max %d ms)", MaxUploadInterval)
	}
	return nil
}

// ValidateThreshold validates one quality threshold
func ValidateThreshold(name string, value float64) error {
	if value <= 0 {
		return fmt.Errorf("%s threshold must be positive", name)
	}
	return nil
}

// ValidateRecentLimit validates the number of samples requested
func ValidateRecentLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("limit must be at least 1")
	}
	if n > MaxRecentLimit {
		return fmt.Errorf("limit is too high (max %d)", MaxRecentLimit)
	}
	return nil
}
