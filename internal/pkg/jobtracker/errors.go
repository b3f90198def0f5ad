package jobtracker

import "strings"

// ErrorKind classifies provider failures for user messaging.
type ErrorKind string

const (
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindSafetyViolation     ErrorKind = "safety_violation"
	KindTimeout             ErrorKind = "timeout"
	KindGeneric             ErrorKind = "generic"
)

// Markers are matched case-insensitively. Order of the checks in
// MapFriendlyErrorMessage is the priority order.
var (
	insufficientMarkers = []string{
		"insufficient credits",
		"insufficient_credits",
		"not enough credits",
		"insufficient balance",
	}
	safetyMarkers = []string{
		"safety_policy_violation",
		"safety policy",
		"content policy",
		"content_policy",
		"nsfw",
		"moderation",
		"flagged",
		"prohibited content",
	}
	timeoutMarkers = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"polling exhausted",
	}
)

// MapFriendlyErrorMessage classifies raw provider text. It is pure;
// insufficient credits wins over safety, which wins over timeout.
func MapFriendlyErrorMessage(raw string) ErrorKind {
	msg := strings.ToLower(raw)
	switch {
	case containsAny(msg, insufficientMarkers):
		return KindInsufficientCredits
	case containsAny(msg, safetyMarkers):
		return KindSafetyViolation
	case containsAny(msg, timeoutMarkers):
		return KindTimeout
	default:
		return KindGeneric
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// UserMessage is the text shown for a failed generation.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case KindInsufficientCredits:
		return "You don't have enough credits for this action. Please upgrade your plan."
	case KindSafetyViolation:
		return "Your request was blocked by the content safety policy. Please adjust your prompt or image."
	case KindTimeout:
		return "The generation took too long and was cancelled. Your credits have been refunded."
	default:
		return "Generation failed. Your credits have been refunded."
	}
}

// RefundDescription is stored on the refund usage log. Safety violations
// omit the "refunded" wording because the dedicated warning covers it.
func RefundDescription(tool string, kind ErrorKind) string {
	if kind == KindSafetyViolation {
		return tool + " blocked by safety policy"
	}
	return tool + " failed, credits refunded"
}
