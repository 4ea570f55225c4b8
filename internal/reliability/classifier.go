package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// StatusCode renders an HTTP status as a metrics label; zero means a transport failure.
func StatusCode(code int) string {
	switch {
	case code == 0:
		return "transport"
	case code >= 500:
		return "5xx"
	case code == 429:
		return "rate_limited"
	case code >= 400:
		return "4xx"
	default:
		return "stream"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
