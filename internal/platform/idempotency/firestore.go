package idempotency

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
)

// FirestoreStoreConfig tunes the Firestore store. Zero values pick defaults.
type FirestoreStoreConfig struct {
	Collection string
	TxAttempts int
	SweepLimit int
}

func (c FirestoreStoreConfig) withDefaults() FirestoreStoreConfig {
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = "idempotency_keys"
	}
	if c.TxAttempts <= 0 {
		c.TxAttempts = 5
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 100
	}
	return c
}

// FirestoreStore keeps one document per hashed key. Reserve and
// SaveResponse run read-modify-write transactions so concurrent instances
// agree on the owner of a key.
type FirestoreStore struct {
	provider *pfirestore.Provider
	records  *pfirestore.Collection[Record]
	cfg      FirestoreStoreConfig
}

var _ Store = (*FirestoreStore)(nil)

func NewFirestoreStore(provider *pfirestore.Provider, cfg FirestoreStoreConfig) *FirestoreStore {
	cfg = cfg.withDefaults()
	return &FirestoreStore{
		provider: provider,
		records:  pfirestore.NewCollection[Record](provider, cfg.Collection),
		cfg:      cfg,
	}
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var out Reservation
	err := s.mutate(ctx, key, func(current Record, found bool) (Record, bool, error) {
		next, res, write, err := reserve(current, found, key, fingerprint, now.UTC(), normalizeTTL(ttl))
		out = res
		return next, write, err
	})
	return out, err
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.mutate(ctx, key, func(current Record, found bool) (Record, bool, error) {
		next, err := complete(current, found, key, fingerprint, resp, now.UTC(), normalizeTTL(ttl))
		return next, err == nil, err
	})
}

// mutate loads the key's document inside a transaction and writes back
// what apply returns when it asks for a write.
func (s *FirestoreStore) mutate(ctx context.Context, key string, apply func(current Record, found bool) (Record, bool, error)) error {
	ref, err := s.records.Ref(ctx, documentID(key))
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current Record
		found := true
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			found = false
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&current); err != nil {
				return err
			}
		}
		next, write, err := apply(current, found)
		if err != nil || !write {
			return err
		}
		return tx.Set(ref, next)
	}, pfirestore.WithTxAttempts(s.cfg.TxAttempts))
}

// CleanupExpired deletes expired keys, at most limit per call.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.SweepLimit
	}
	cutoff := now.UTC()
	return s.records.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expires_at", "<=", cutoff)
	}, limit)
}

// Release deletes the key. Missing keys are not an error.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	return s.records.Delete(ctx, documentID(key), false)
}
