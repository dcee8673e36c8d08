package valkey

import (
	"context"
	"errors"
	"fmt"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// errWatchAborted is returned when EXEC replies nil because a watched key changed.
var errWatchAborted = errors.New("watched key modified before EXEC")

// Begin opens a buffered transaction. Nothing is sent to the server until Commit.
func (s *Store) Begin(ctx context.Context) (_ storage.Tx, err error) {
	_, done := s.track(ctx, "begin")
	defer done(&err)
	if _, err = s.ready(); err != nil {
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

// CommitOps applies ops with optimistic locking on a dedicated connection:
//
//	WATCH <every touched key>
//	EXISTS checks for buffered creates and consumes
//	MULTI, SET ... EX / DEL ..., EXEC
//
// A nil EXEC reply means another client changed a watched key; nothing was
// applied and the commit fails with storage.ErrCommitFailed.
func (s *Store) CommitOps(ctx context.Context, ops []storage.TxOp) (_ []bool, err error) {
	ctx, done := s.track(ctx, "commit")
	defer done(&err)
	c, err := s.ready()
	if err != nil {
		return nil, err
	}

	plan, err := storage.PlanCommit(ops)
	if err != nil {
		return nil, err
	}
	values, err := s.encodeOps(ops)
	if err != nil {
		return nil, err
	}

	var results []bool
	err = c.Dedicated(func(dc valkeygo.DedicatedClient) error {
		var dErr error
		results, dErr = s.commitDedicated(ctx, dc, ops, values, plan)
		return dErr
	})
	s.observe(err)
	if err != nil {
		if isTransportError(err) {
			return nil, fmt.Errorf("%w: %w", storage.ErrConnection, err)
		}
		return nil, err
	}
	return results, nil
}

func (s *Store) commitDedicated(
	ctx context.Context,
	dc valkeygo.DedicatedClient,
	ops []storage.TxOp,
	values []string,
	plan *storage.CommitPlan,
) (results []bool, err error) {
	watched := make([]string, 0, len(plan.Touched))
	for _, ref := range plan.Touched {
		watched = append(watched, s.key(ref.Entity, ref.Key))
	}
	if err := dc.Do(ctx, dc.B().Watch().Key(watched...).Build()).Error(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			// The connection goes back to the pool; drop the watch set.
			_ = dc.Do(context.WithoutCancel(ctx), dc.B().Unwatch().Build()).Error()
		}
	}()

	for _, ref := range plan.MustBeAbsent {
		n, err := dc.Do(ctx, dc.B().Exists().Key(s.key(ref.Entity, ref.Key)).Build()).AsInt64()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, ref.Entity, storage.ErrAlreadyExists)
		}
	}
	for _, ref := range plan.MustExist {
		n, err := dc.Do(ctx, dc.B().Exists().Key(s.key(ref.Entity, ref.Key)).Build()).AsInt64()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, ref.Entity, storage.ErrNotFound)
		}
	}

	cmds := make(valkeygo.Commands, 0, len(ops)+2)
	cmds = append(cmds, dc.B().Multi().Build())
	for i, op := range ops {
		key := s.key(op.Entity, op.Key)
		switch op.Kind {
		case storage.OpSet:
			cmds = append(cmds, dc.B().Set().Key(key).Value(values[i]).ExSeconds(op.TTLSeconds).Build())
		case storage.OpDelete:
			cmds = append(cmds, dc.B().Del().Key(key).Build())
		}
	}
	cmds = append(cmds, dc.B().Exec().Build())

	resps := dc.DoMulti(ctx, cmds...)
	replies, err := resps[len(resps)-1].ToArray()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, fmt.Errorf("%w: %w", storage.ErrCommitFailed, errWatchAborted)
		}
		return nil, err
	}
	if len(replies) != len(ops) {
		return nil, fmt.Errorf("%w: EXEC returned %d replies for %d ops", storage.ErrCommitFailed, len(replies), len(ops))
	}

	results = make([]bool, len(ops))
	for i, op := range ops {
		if op.Kind != storage.OpDelete {
			continue
		}
		n, err := replies[i].AsInt64()
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected DEL reply: %w", storage.ErrCommitFailed, err)
		}
		results[i] = n > 0
	}
	return results, nil
}

// encodeOps marshals the buffered records before any command is sent.
func (s *Store) encodeOps(ops []storage.TxOp) ([]string, error) {
	values := make([]string, len(ops))
	for i, op := range ops {
		if op.Kind != storage.OpSet {
			continue
		}

		var j any
		switch v := op.Value.(type) {
		case *storage.AccessToken:
			j = toAccessTokenJSON(v)
		case *storage.RefreshToken:
			j = toRefreshTokenJSON(v)
		case *storage.AuthorizationCode:
			j = toAuthorizationCodeJSON(v)
		default:
			return nil, fmt.Errorf("%w: unexpected value %T for %s", storage.ErrInvalidArgument, op.Value, op.Entity)
		}

		data, err := marshal(j)
		if err != nil {
			return nil, err
		}
		values[i] = data
	}
	return values, nil
}
