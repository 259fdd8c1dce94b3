// Package security provides validation, redaction, and limits for pipeline-guard.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

const (
	// MaxJobTypeNameLength is the maximum length for job type names
	MaxJobTypeNameLength = 255

	// MaxJobArgsSize is the maximum size in bytes for job arguments (1MB)
	MaxJobArgsSize = 1 << 20

	// MaxRetries is the hard limit for engine-level retry attempts
	MaxRetries = 25

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 256

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 255

	// MaxJobIDLength matches the width of the jobs.id column
	MaxJobIDLength = 128
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// credentialPatterns match secrets that provider SDKs include in error text.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-\._~\+/]+=*`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{8,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|x-api-key|token|password)(["']?\s*[:=]\s*["']?)[^\s"',&]+`),
}

// ValidateJobTypeName validates a job type name
func ValidateJobTypeName(name string) error {
	if name == "" {
		return core.ErrInvalidJobTypeName
	}
	if len(name) > MaxJobTypeNameLength {
		return core.ErrJobTypeNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidJobTypeName
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// ValidateJobID checks a caller-supplied job id used for deduplication.
func ValidateJobID(id string) error {
	if len(id) > MaxJobIDLength {
		return core.ErrJobIDTooLong
	}
	return nil
}

// RedactCredentials masks API keys and tokens in free-form text.
func RedactCredentials(msg string) string {
	for _, re := range credentialPatterns {
		msg = re.ReplaceAllStringFunc(msg, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if len(sub) == 3 {
				return sub[1] + sub[2] + "[REDACTED]"
			}
			if strings.HasPrefix(strings.ToLower(m), "bearer") {
				return "Bearer [REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return msg
}

// SanitizeErrorMessage redacts, strips control characters and truncates error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	msg = RedactCredentials(msg)

	var sanitized strings.Builder
	sanitized.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}
	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}
	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
