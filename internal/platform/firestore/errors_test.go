package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PerfectlyContent/cardmaker/internal/platform/config"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		err := WrapError("card_sessions.get", status.Error(tc.code, "x"))
		if repositories.IsNotFound(err) != tc.notFound ||
			repositories.IsConflict(err) != tc.conflict ||
			repositories.IsUnavailable(err) != tc.unavailable {
			t.Fatalf("%s: unexpected classification for %v", tc.code, err)
		}
		var repoErr *repositories.Error
		if !errors.As(err, &repoErr) || repoErr.Op != "card_sessions.get" {
			t.Fatalf("%s: expected repositories.Error with op, got %v", tc.code, err)
		}
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected grpc canceled to map to context canceled, got %v", err)
	}

	inner := &repositories.Error{Err: errors.New("missing"), NotFound: true}
	if err := WrapError("important_dates.get", inner); err != inner || inner.Op != "important_dates.get" {
		t.Fatalf("expected existing error reused with op set, got %v", err)
	}
}

func TestClosedProviderRejectsClient(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "cardmaker-test"})
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
	if err := p.RunTransaction(context.Background(), nil); err == nil {
		t.Fatal("expected nil transaction function to fail")
	}
}
