package apierr

// UpstreamError is the shape of failures raised by the upstream API client.
// The mapper only reads the Code field; Message is passed through verbatim.
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Upstream error codes that indicate a transient condition worth retrying.
var retryableUpstreamCodes = map[string]bool{
	"QUOTA_ERROR":        true,
	"RATE_LIMIT_ERROR":   true,
	"RESOURCE_EXHAUSTED": true,
	"DEADLINE_EXCEEDED":  true,
	"UNAVAILABLE":        true,
}

// MapUpstream converts an upstream API failure into a taxonomy error.
// Unknown codes map to EXTERNAL_API with retryable=false.
func MapUpstream(err error) *Error {
	if err == nil {
		return nil
	}
	// Already classified; pass through unchanged.
	if apiErr := As(err); apiErr != nil {
		return apiErr
	}

	code := "UNKNOWN"
	msg := err.Error()
	if ue, ok := err.(*UpstreamError); ok {
		code = ue.Code
		msg = ue.Message
	}

	retryable := retryableUpstreamCodes[code]

	switch code {
	case "AUTHENTICATION_ERROR":
		return Authentication(msg)
	case "AUTHORIZATION_ERROR":
		return Authorization(msg)
	case "QUOTA_ERROR", "RESOURCE_EXHAUSTED":
		return QuotaExceeded(msg, "")
	case "RATE_LIMIT_ERROR":
		return RateLimit(msg, 0)
	case "INVALID_ARGUMENT":
		return Validation(msg)
	case "NOT_FOUND":
		return NotFound(msg, "")
	case "ALREADY_EXISTS":
		return Conflict(msg)
	case "DEADLINE_EXCEEDED":
		return Timeout(msg, 0)
	case "INTERNAL_ERROR":
		return Internal(msg)
	default:
		return External(msg, code, retryable)
	}
}
