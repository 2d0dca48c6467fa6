package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

// WrapError classifies a Firestore failure as a repositories.Error so the
// services can branch on not-found, conflict and unavailable without knowing
// the backend. Cancellation passes through unwrapped.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr *repositories.Error
	if errors.As(err, &repoErr) {
		if repoErr.Op == "" {
			repoErr.Op = op
		}
		return repoErr
	}

	wrapped := &repositories.Error{Op: op, Err: err}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		wrapped.NotFound = true
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		// Aborted means a concurrent transaction won.
		wrapped.Conflict = true
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal:
		wrapped.Unavailable = true
	}
	return wrapped
}
