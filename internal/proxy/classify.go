package proxy

// Outcome describes what the rotation loop should do after an upstream
// response comes back.
type Outcome int

const (
	// OutcomeSuccess: relay the response to the caller as-is.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry: retry the same credential after an exponential backoff.
	OutcomeRetry
	// OutcomeRotate: this credential is bad (or exhausted); record a
	// failure against it and move on to the next one in rotation.
	OutcomeRotate
	// OutcomeFailFast: the error is not attributable to the credential
	// (malformed request, not-found model, ...); return it to the caller
	// immediately without rotating or counting it against the credential.
	OutcomeFailFast
)

// Classify maps an upstream HTTP status code to the rotation loop's next
// action. Anything under 400 (including redirects) is a success: relay it
// as-is. 404 is not attributable to any credential (the model or path
// itself doesn't exist) and fails fast without rotating or recording a
// failure. 400, 403, and 429 rotate immediately: each is a symptom of the
// credential itself (malformed/disabled key, forbidden, rate-limited), so
// the pool tries the next one rather than burning retries against a
// credential that is never going to succeed. Every other s>=400 — 401
// included, same bucket as 5xx — is retried against the same credential
// first, and only rotates once attemptWithRetry exhausts its retries.
func Classify(statusCode int) Outcome {
	switch {
	case statusCode < 400:
		return OutcomeSuccess
	case statusCode == 404:
		return OutcomeFailFast
	case statusCode == 400, statusCode == 403, statusCode == 429:
		return OutcomeRotate
	default:
		return OutcomeRetry
	}
}
