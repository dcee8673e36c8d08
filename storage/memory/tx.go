package memory

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// Begin opens a buffered transaction committed under the store's write lock.
func (s *Store) Begin(ctx context.Context) (_ storage.Tx, err error) {
	_, done := s.track(ctx, "begin")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}

	return storage.NewBufferedTx(s,
		storage.WithTxClock(s.now),
		storage.WithTxObserver(s.observeTx),
	), nil
}

func (s *Store) observeTx(state storage.TxState, ops int, err error) {
	outcome := string(state)
	if err != nil {
		outcome = "commit_failed"
		s.logger.Warn("Transaction commit failed", "ops", ops, "error", err)
	}
	if inst := s.inst(); inst != nil {
		inst.Metrics().RecordTransaction(context.Background(), BackendName, outcome, ops)
	}
}

// CommitOps checks every precondition and applies ops in order while holding
// the write lock, so other operations see either none or all of them.
func (s *Store) CommitOps(ctx context.Context, ops []storage.TxOp) (_ []bool, err error) {
	_, done := s.track(ctx, "commit")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}

	plan, err := storage.PlanCommit(ops)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range plan.MustBeAbsent {
		if s.present(ref) {
			return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, ref.Entity, storage.ErrAlreadyExists)
		}
	}
	for _, ref := range plan.MustExist {
		if !s.present(ref) {
			return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, ref.Entity, storage.ErrNotFound)
		}
	}

	// Values were validated when buffered; check types before touching anything.
	for _, op := range ops {
		if op.Kind == storage.OpSet {
			if err := checkValue(op); err != nil {
				return nil, err
			}
		}
	}

	results := make([]bool, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case storage.OpSet:
			s.apply(op)
		case storage.OpDelete:
			results[i] = s.removeRef(storage.KeyRef{Entity: op.Entity, Key: op.Key})
		}
	}
	return results, nil
}

func (s *Store) present(ref storage.KeyRef) bool {
	switch ref.Entity {
	case storage.EntityAccessToken:
		return s.accessTokens.has(ref.Key)
	case storage.EntityRefreshToken:
		return s.refreshTokens.has(ref.Key)
	case storage.EntityAuthorizationCode:
		return s.codes.has(ref.Key)
	default:
		return false
	}
}

func (s *Store) removeRef(ref storage.KeyRef) bool {
	switch ref.Entity {
	case storage.EntityAccessToken:
		return s.accessTokens.remove(ref.Key)
	case storage.EntityRefreshToken:
		return s.refreshTokens.remove(ref.Key)
	case storage.EntityAuthorizationCode:
		return s.codes.remove(ref.Key)
	default:
		return false
	}
}

func checkValue(op storage.TxOp) error {
	var ok bool
	switch op.Entity {
	case storage.EntityAccessToken:
		_, ok = op.Value.(*storage.AccessToken)
	case storage.EntityRefreshToken:
		_, ok = op.Value.(*storage.RefreshToken)
	case storage.EntityAuthorizationCode:
		_, ok = op.Value.(*storage.AuthorizationCode)
	}
	if !ok {
		return fmt.Errorf("%w: unexpected value %T for %s", storage.ErrInvalidArgument, op.Value, op.Entity)
	}
	return nil
}

// apply must be called with mu held and after checkValue.
func (s *Store) apply(op storage.TxOp) {
	ttl := ttlDuration(op.TTLSeconds)
	switch v := op.Value.(type) {
	case *storage.AccessToken:
		s.accessTokens.set(op.Key, v, ttl)
	case *storage.RefreshToken:
		s.refreshTokens.set(op.Key, v, ttl)
	case *storage.AuthorizationCode:
		s.codes.set(op.Key, v, ttl)
	}
}
