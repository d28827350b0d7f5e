package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error taxonomy shared by every ringprobe component. Components wrap one of
// these sentinels with fmt.Errorf("%w: ...") and callers test with errors.Is.
var (
	// ErrConfiguration reports an empty or malformed ring, or a scenario the
	// cluster layout cannot support (for example a single-node ring).
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectivity reports that the cluster or the control plane is unreachable.
	ErrConnectivity = errors.New("connectivity error")

	// ErrTimeout reports that a bounded wait was exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrInvariantViolation reports an internally inconsistent ring snapshot.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrOperation reports a control-plane action that was rejected or had no effect.
	ErrOperation = errors.New("operation error")

	// ErrVerificationFailure reports observed behaviour that violates the
	// rerouting policy. It is a scenario outcome and is never returned by a phase.
	ErrVerificationFailure = errors.New("verification failure")
)

// Errorf wraps kind with a formatted message.
//
// Example:
//
//	return cluster.Errorf(cluster.ErrConfiguration, "ring snapshot is empty")
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Classify maps a transport-level failure onto the taxonomy. Errors that
// already carry a taxonomy sentinel are returned unchanged, deadline errors
// become ErrTimeout and network errors become ErrConnectivity. Anything else
// is returned as is.
func Classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case IsKnown(err):
		return fmt.Errorf("%s: %w", msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", ErrTimeout, msg, err)
	case isNetError(err):
		return fmt.Errorf("%w: %s: %v", ErrConnectivity, msg, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

// IsKnown reports whether err already wraps one of the taxonomy sentinels.
func IsKnown(err error) bool {
	for _, kind := range []error{
		ErrConfiguration, ErrConnectivity, ErrTimeout,
		ErrInvariantViolation, ErrOperation, ErrVerificationFailure,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsInfrastructure reports whether err belongs to the infrastructure class
// that aborts a scenario phase.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrConnectivity) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrOperation)
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
