// Package classifier maps upstream failures to account error categories so
// the dispatcher can decide whether to retry, cool an account down, or
// disable it outright.
package classifier

import (
	"regexp"
	"strings"
	"time"
)

// ErrorType is the category assigned to an upstream failure.
type ErrorType string

const (
	// Suspended means the account is permanently unusable.
	Suspended ErrorType = "suspended"
	// RateLimited is a temporary throttle.
	RateLimited ErrorType = "rate_limited"
	// AuthError means credentials need a refresh.
	AuthError ErrorType = "auth_error"
	// QuotaExceeded means the monthly allowance is spent.
	QuotaExceeded ErrorType = "quota_exceeded"
	// NetworkError is a transient transport failure.
	NetworkError ErrorType = "network_error"
	// Conflict is a concurrent-access collision.
	Conflict ErrorType = "conflict"
	// Unknown is everything else.
	Unknown ErrorType = "unknown"
)

// awsSuspensionCodes are AWS error codes that indicate the account itself is
// suspended, disabled, or otherwise unusable.
var awsSuspensionCodes = newSet(
	"ResourceNotFoundException",
	"InvalidAccessKeyId",
	"SignatureDoesNotMatch",
	"AccessDenied",
	"AccessDeniedException",
	"UnauthorizedException",
	"ForbiddenException",
	"AccountSuspended",
	"AccountDisabled",
	"ConflictException",
	"ValidationException",
	"InvalidIdentityPoolConfigurationException",
	"NotAuthorizedException",
	"UserNotFoundException",
	"UserPoolTaggingException",
)

// amazonQCodes are Amazon Q specific codes that usually mean a throttle. A
// ThrottlingException is upgraded to Suspended when the message carries
// quota language.
var amazonQCodes = newSet(
	"ThrottlingException",
	"ServiceQuotaExceededException",
	"ResourceLimitExceededException",
	"InternalServerException",
)

func newSet(items ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

var suspensionPatterns = compileAll([]string{
	`account\s+.*\s*(suspended|banned|disabled|closed|terminated|deactivated)`,
	`account[_\s]+(suspended|banned|disabled|closed|terminated|deactivated)`,
	`access\s+.*\s*(revoked|denied|removed|blocked|restricted)`,
	`access[_\s]+(revoked|denied|removed|blocked|restricted)`,
	`subscription\s+.*\s*(expired|cancelled|terminated|suspended)`,
	`subscription[_\s]+(expired|cancelled|terminated|suspended)`,
	`service[_\s]+(disabled|suspended|unavailable)`,
	`permission[_\s]+(denied|revoked)`,
	`not[_\s]+authorized`,
	`unauthorized[_\s]+access`,
	`invalid[_\s]+credentials`,
	`authentication[_\s]+failed`,
	`credentials[_\s]+(expired|invalid|revoked)`,
	`resource[_\s]+not[_\s]+found`,
	`organization[_\s]+(deleted|disabled|suspended)`,
	`workspace[_\s]+(disabled|archived|deleted)`,
	`project[_\s]+(archived|deleted|suspended)`,
	`concurrent[_\s]+access[_\s]+violation`,
	`session[_\s]+(expired|invalid|terminated)`,
	`token[_\s]+(revoked|invalid|expired)`,
	`(daily|monthly|annual)[_\s]+quota[_\s]+exceeded`,
	`(daily|monthly|annual)[_\s]+limit[_\s]+(reached|exceeded)`,
	`upgrade[_\s]+required`,
	`billing[_\s]+required`,
	`payment[_\s]+(required|failed)`,
	`trial[_\s]+(ended|expired)`,
	`user[_\s]+not[_\s]+found`,
	`identity[_\s]+pool[_\s]+configuration`,
	`invalid[_\s]+identity`,
})

var rateLimitPatterns = compileAll([]string{
	`rate[_\s]+limit[_\s]+(exceeded|reached)`,
	`too[_\s]+many[_\s]+requests`,
	`throttl(ed|ing)`,
	`slow[_\s]+down`,
	`retry[_\s]+after`,
	`please[_\s]+wait`,
})

var networkPatterns = compileAll([]string{
	`connection[_\s]+(timeout|refused|reset|aborted)`,
	`network[_\s]+(error|timeout|unreachable)`,
	`dns[_\s]+(resolution|lookup)[_\s]+failed`,
	`ssl[_\s]+(error|handshake[_\s]+failed)`,
	`socket[_\s]+(timeout|error)`,
	`service[_\s]+temporarily[_\s]+unavailable`,
})

var permanentRateLimitIndicators = []string{
	"daily quota exceeded",
	"monthly limit reached",
	"monthly quota exceeded",
	"annual limit",
	"upgrade required",
	"billing required",
	"payment required",
	"trial ended",
	"trial expired",
	"subscription expired",
}

var quotaIndicators = []string{
	"quota exceeded",
	"quota limit",
	"request limit",
	"usage limit",
	"service quota",
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// Result carries the category plus a short human-readable reason.
type Result struct {
	Type   ErrorType
	Reason string
}

// Classify inspects an upstream failure. message is the error text,
// statusCode the HTTP status (0 if unknown) and errorCode the upstream error
// code header or field (empty if absent). Precedence: error code, status
// code, then message patterns.
func Classify(message string, statusCode int, errorCode string) Result {
	lower := strings.ToLower(message)

	if errorCode != "" {
		if _, ok := awsSuspensionCodes[errorCode]; ok {
			return Result{Suspended, "AWS error code: " + errorCode}
		}
		if _, ok := amazonQCodes[errorCode]; ok {
			if strings.Contains(strings.ToLower(errorCode), "throttling") && isPermanentThrottle(lower) {
				return Result{Suspended, "permanent throttling: " + errorCode}
			}
			return Result{RateLimited, "Amazon Q error: " + errorCode}
		}
	}

	switch statusCode {
	case 401:
		return Result{AuthError, "HTTP 401 Unauthorized"}
	case 403:
		return Result{Suspended, "HTTP 403 Forbidden"}
	case 429:
		if isPermanentRateLimit(lower) {
			return Result{Suspended, "permanent rate limit exceeded"}
		}
		return Result{RateLimited, "temporary rate limit"}
	case 409:
		return Result{Conflict, "HTTP 409 Conflict"}
	}

	for _, p := range suspensionPatterns {
		if p.MatchString(lower) {
			return Result{Suspended, "pattern match: " + p.String()}
		}
	}
	for _, p := range rateLimitPatterns {
		if p.MatchString(lower) {
			if isPermanentRateLimit(lower) {
				return Result{Suspended, "permanent rate limit"}
			}
			return Result{RateLimited, "temporary rate limit"}
		}
	}
	for _, p := range networkPatterns {
		if p.MatchString(lower) {
			return Result{NetworkError, "network error: " + p.String()}
		}
	}
	if isQuotaExceeded(lower) {
		return Result{QuotaExceeded, "quota exceeded"}
	}

	reason := message
	if len(reason) > 100 {
		reason = reason[:100]
	}
	return Result{Unknown, reason}
}

func isPermanentRateLimit(lower string) bool {
	for _, indicator := range permanentRateLimitIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// Amazon Q throttling is usually temporary unless the message mentions quota.
func isPermanentThrottle(lower string) bool {
	return strings.Contains(lower, "quota") || strings.Contains(lower, "limit exceeded")
}

func isQuotaExceeded(lower string) bool {
	for _, indicator := range quotaIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// ShouldDisable reports whether the account should be switched off after
// this failure.
func ShouldDisable(t ErrorType) bool {
	return t == Suspended || t == QuotaExceeded
}

// ShouldMarkRateLimited reports whether the account should be cooled down
// rather than disabled.
func ShouldMarkRateLimited(t ErrorType) bool {
	return t == RateLimited
}

// RetryDelay returns the recommended wait before the account is tried again.
// ok is false for error types that must never be retried.
func RetryDelay(t ErrorType) (delay time.Duration, ok bool) {
	switch t {
	case RateLimited:
		return time.Minute, true
	case NetworkError:
		return 5 * time.Second, true
	case Conflict:
		return 10 * time.Second, true
	case AuthError:
		return 5 * time.Minute, true
	case QuotaExceeded:
		return time.Hour, true
	case Suspended:
		return 0, false
	default:
		return 30 * time.Second, true
	}
}
