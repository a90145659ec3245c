package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	lockTTL        = 3 * time.Second
	lockRetryWait  = 20 * time.Millisecond
	lockAcquireFor = 2 * time.Second
)

// lock takes a short-lived advisory lock on the user id via SetNX on the
// secondary backend, so registrations from concurrent requests of one user
// serialize. Returns a release func. When Serialize is off it is a no-op.
func (r *Registry) lock(ctx context.Context, userID string) (func(), error) {
	if !r.Serialize || userID == "" {
		return func() {}, nil
	}
	backend := r.Secondary
	if backend == nil {
		backend = r.Primary
	}
	key := r.Prefix + ":lock:" + userID
	token := uuid.NewString()
	deadline := time.Now().Add(lockAcquireFor)
	for {
		ok, err := backend.SetNX(ctx, key, token, lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire user lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire user lock: timed out for user %s", userID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
	return func() {
		// Release only our own token; an expired lock may have been
		// re-acquired by another request.
		current, ok, err := backend.Get(ctx, key)
		if err != nil || !ok || current != token {
			return
		}
		_ = backend.Del(ctx, key)
	}, nil
}
