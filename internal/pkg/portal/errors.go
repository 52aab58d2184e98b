package portal

import "errors"

// Error taxonomy for the access engine. Controllers map these onto HTTP
// statuses; everything else is an internal error.
var (
	// ErrInvalidRequest covers malformed or incomplete input, rejected
	// before any state is written.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks an unknown payment or session reference.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is a FraudGate denial by hard attempt cap.
	ErrRateLimited = errors.New("rate limited")

	// ErrHighRisk is a FraudGate denial by accumulated risk score.
	ErrHighRisk = errors.New("high risk score")

	// ErrInvalidSignature rejects a webhook whose signature fails
	// verification against the shared secret.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrVerificationFailed marks a provider-side confirmation check that
	// did not verify during manual reconciliation.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrDependencyUnavailable marks an unreachable store.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)
