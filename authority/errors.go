package authority

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error taxonomy for identity operations. Callers match with errors.Is and
// never branch on error text.
var (
	// ErrTokenAbsent indicates no credential was presented at all.
	ErrTokenAbsent = errors.New("authority: token absent")

	// ErrTokenMalformed indicates the credential is not even structurally a
	// token; validation was not attempted.
	ErrTokenMalformed = errors.New("authority: token malformed")

	// ErrValidationFailed indicates the authority saw the token and rejected
	// it (expired, revoked, unknown).
	ErrValidationFailed = errors.New("authority: validation failed")

	// ErrAuthorityUnreachable indicates the authority could not be consulted
	// at all: timeout, connection refused, DNS failure. This is the one
	// ambiguous case; policy decides whether it fails open or closed.
	ErrAuthorityUnreachable = errors.New("authority: unreachable")

	// ErrExchangeFailed indicates the code-for-session exchange was rejected.
	ErrExchangeFailed = errors.New("authority: exchange failed")

	// ErrVerificationFailed indicates the post-exchange identity
	// re-validation did not confirm the exchanged session.
	ErrVerificationFailed = errors.New("authority: verification failed")

	// ErrProviderDenied indicates the upstream provider refused to
	// authenticate the user (consent denied, provider error).
	ErrProviderDenied = errors.New("authority: provider denied")

	// ErrInvalidationTimeout indicates a sign-out request did not complete
	// within its deadline; the authority-side session may still be live.
	ErrInvalidationTimeout = errors.New("authority: invalidation timed out")
)

// classifyTransportErr maps a transport-level failure onto the taxonomy,
// preserving the cause for logging.
func classifyTransportErr(err error, fallback error) error {
	if err == nil {
		return nil
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
