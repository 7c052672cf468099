package observability

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// MaskValue replaces credentials in log output.
const MaskValue = "***REDACTED***"

var sensitiveKeys = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"password":      true,
	"token":         true,
	"otp":           true,
	"session":       true,
	"secret":        true,
}

// Values that look like credentials whatever key they are logged under.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(token|bearer|basic)\s+\S+`),
	regexp.MustCompile(`^[a-f0-9]{40}$`), // DRF authtoken keys
}

// IsSensitive reports whether a key/value pair must be masked before logging.
func IsSensitive(key, value string) bool {
	if sensitiveKeys[strings.ToLower(key)] {
		return true
	}
	for _, p := range sensitivePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// Redacted returns a string field with the value masked when it carries a credential.
// Empty values stay empty so "no token" remains visible in debug output.
func Redacted(key, value string) zap.Field {
	if value != "" && IsSensitive(key, value) {
		return zap.String(key, MaskValue)
	}
	return zap.String(key, value)
}
