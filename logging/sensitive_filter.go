package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive values in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$2[aby]?\$\d{2}\$[./A-Za-z0-9]{53}`),   // bcrypt hashes
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._~+/=-]{8,})`), // bearer tokens
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{4,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{4,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;]{4,})`),
	regexp.MustCompile(`(?i)(api_?key\s*[:=]\s*[^\s,;]{4,})`),
}

var sensitiveFieldNames = []string{
	"TOKEN",
	"PASSWORD",
	"SECRET",
	"API_KEY",
	"APIKEY",
	"AUTHORIZATION",
}

// RedactSensitiveData replaces tokens, hashes and credential assignments in value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}

	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field name denotes a credential.
//
//	IsSensitiveField("API_TOKEN_HASH") // true
//	IsSensitiveField("width")          // false
func IsSensitiveField(fieldName string) bool {
	upperName := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upperName, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value matches any sensitive pattern.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
