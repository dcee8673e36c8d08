package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TxState is the lifecycle state of a transaction.
type TxState string

const (
	TxActive     TxState = "active"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
)

// Tx is a buffered multi-key write unit.
//
// Writes are validated immediately but only applied by Commit, all or nothing.
// Reads go straight to committed state: a Get issued after a buffered Set in the
// same transaction does not see that Set.
//
// Deletes return a PendingDelete handle rather than a result, because the
// outcome is unknown until Commit. Resolve it with TxResult.Deleted.
type Tx interface {
	SetAccessToken(token string, value *AccessToken, ttlSeconds int64) error
	SetRefreshToken(token string, value *RefreshToken, ttlSeconds int64) error
	SetAuthorizationCode(code string, value *AuthorizationCode, ttlSeconds int64) error

	DeleteAccessToken(token string) (PendingDelete, error)
	DeleteRefreshToken(token string) (PendingDelete, error)
	DeleteAuthorizationCode(code string) (PendingDelete, error)

	// ConsumeRefreshToken buffers a delete that must remove an existing refresh
	// token. If the token is already gone at commit time the whole commit fails,
	// so two concurrent rotations of the same refresh token cannot both succeed.
	ConsumeRefreshToken(token string) (PendingDelete, error)

	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkAuthorizationCodeUsed always fails with ErrUnsupportedOperation.
	// The single-use check relies on server-side atomic execution that cannot
	// run inside a batched commit; sequence it outside the transaction.
	MarkAuthorizationCodeUsed(ctx context.Context, code string) (bool, error)

	// Commit applies all buffered writes atomically. On failure the transaction
	// is rolled back and the error wraps ErrCommitFailed.
	Commit(ctx context.Context) (*TxResult, error)

	// Rollback discards the buffer.
	Rollback(ctx context.Context) error

	State() TxState
}

// OpKind identifies a buffered operation.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TxOp is one buffered write. Value holds the prepared record (*AccessToken,
// *RefreshToken or *AuthorizationCode) for OpSet and is nil for OpDelete.
type TxOp struct {
	Kind       OpKind
	Entity     string
	Key        string
	Value      any
	TTLSeconds int64

	// MustExist makes the commit fail if the delete would remove nothing.
	MustExist bool
}

// KeyRef names one record.
type KeyRef struct {
	Entity string
	Key    string
}

func (r KeyRef) String() string {
	return r.Entity + ":" + r.Key
}

// CommitPlan lists the preconditions a backend must check atomically with the
// commit. Touched is every distinct key in the transaction, in first-use order.
type CommitPlan struct {
	MustBeAbsent []KeyRef
	MustExist    []KeyRef
	Touched      []KeyRef
}

// PlanCommit derives the commit preconditions from a buffered op list.
//
// A create needs an absence check unless an earlier op in the same transaction
// deleted the key. Two creates of the same key with no delete in between fail
// with ErrAlreadyExists. A MustExist delete needs a presence check unless the
// key was created earlier in the transaction.
func PlanCommit(ops []TxOp) (*CommitPlan, error) {
	const (
		untouched = iota
		created
		deleted
	)

	plan := &CommitPlan{}
	seen := make(map[KeyRef]int, len(ops))

	for _, op := range ops {
		ref := KeyRef{Entity: op.Entity, Key: op.Key}
		st, ok := seen[ref]
		if !ok {
			plan.Touched = append(plan.Touched, ref)
			st = untouched
		}

		switch op.Kind {
		case OpSet:
			switch st {
			case created:
				return nil, fmt.Errorf("%w: %s is created twice in one transaction", ErrAlreadyExists, ref.Entity)
			case untouched:
				plan.MustBeAbsent = append(plan.MustBeAbsent, ref)
			}
			seen[ref] = created
		case OpDelete:
			if op.MustExist {
				switch st {
				case deleted:
					return nil, fmt.Errorf("%w: %s is consumed after being deleted", ErrNotFound, ref.Entity)
				case untouched:
					plan.MustExist = append(plan.MustExist, ref)
				}
			}
			seen[ref] = deleted
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrInvalidArgument, op.Kind)
		}
	}

	return plan, nil
}

// TxBackend is what a backend implements to get a Tx from NewBufferedTx.
type TxBackend interface {
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// CommitOps applies ops as one atomic unit. It returns one entry per op;
	// for OpDelete the entry reports whether a record was removed. On error
	// none of the ops may have taken effect.
	CommitOps(ctx context.Context, ops []TxOp) ([]bool, error)
}

// PendingDelete is the deferred result of a delete buffered in a transaction.
// Its zero value resolves to nothing.
type PendingDelete struct {
	owner *bufferedTx
	index int
}

// TxResult is returned by a successful Commit.
type TxResult struct {
	owner   *bufferedTx
	deleted []bool
	ops     int
}

// Deleted reports whether the delete behind p removed a record.
// Handles from a different transaction fail with ErrInvalidArgument.
func (r *TxResult) Deleted(p PendingDelete) (bool, error) {
	if r == nil || p.owner == nil || p.owner != r.owner {
		return false, fmt.Errorf("%w: pending delete does not belong to this transaction", ErrInvalidArgument)
	}
	if p.index < 0 || p.index >= len(r.deleted) {
		return false, fmt.Errorf("%w: pending delete out of range", ErrInvalidArgument)
	}
	return r.deleted[p.index], nil
}

// Ops returns the number of operations applied.
func (r *TxResult) Ops() int {
	if r == nil {
		return 0
	}
	return r.ops
}

// TxOption configures a buffered transaction.
type TxOption func(*bufferedTx)

// WithTxClock overrides the clock used to stamp buffered records.
func WithTxClock(now func() time.Time) TxOption {
	return func(t *bufferedTx) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTxObserver registers a callback invoked once the transaction ends,
// with its final state and the commit error if any.
func WithTxObserver(fn func(state TxState, ops int, err error)) TxOption {
	return func(t *bufferedTx) {
		t.observer = fn
	}
}

type bufferedTx struct {
	backend  TxBackend
	now      func() time.Time
	observer func(TxState, int, error)

	mu    sync.Mutex
	state TxState
	ops   []TxOp
}

// NewBufferedTx returns a Tx that buffers writes and hands them to backend in
// one CommitOps call.
func NewBufferedTx(backend TxBackend, opts ...TxOption) Tx {
	t := &bufferedTx{
		backend: backend,
		now:     time.Now,
		state:   TxActive,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *bufferedTx) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// checkActive must be called with mu held.
func (t *bufferedTx) checkActive() error {
	if t.state != TxActive {
		return fmt.Errorf("%w: transaction is %s", ErrInvalidState, t.state)
	}
	return nil
}

func (t *bufferedTx) bufferSet(entity, key string, value any, ttlSeconds int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.ops = append(t.ops, TxOp{Kind: OpSet, Entity: entity, Key: key, Value: value, TTLSeconds: ttlSeconds})
	return nil
}

func (t *bufferedTx) bufferDelete(entity, key string, mustExist bool) (PendingDelete, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return PendingDelete{}, err
	}
	if err := ValidateKey(key); err != nil {
		return PendingDelete{}, err
	}
	t.ops = append(t.ops, TxOp{Kind: OpDelete, Entity: entity, Key: key, MustExist: mustExist})
	return PendingDelete{owner: t, index: len(t.ops) - 1}, nil
}

func (t *bufferedTx) SetAccessToken(token string, value *AccessToken, ttlSeconds int64) error {
	if err := t.guard(); err != nil {
		return err
	}
	rec, err := PrepareAccessToken(token, value, ttlSeconds, t.now())
	if err != nil {
		return err
	}
	return t.bufferSet(EntityAccessToken, token, rec, ttlSeconds)
}

func (t *bufferedTx) SetRefreshToken(token string, value *RefreshToken, ttlSeconds int64) error {
	if err := t.guard(); err != nil {
		return err
	}
	rec, err := PrepareRefreshToken(token, value, ttlSeconds, t.now())
	if err != nil {
		return err
	}
	return t.bufferSet(EntityRefreshToken, token, rec, ttlSeconds)
}

func (t *bufferedTx) SetAuthorizationCode(code string, value *AuthorizationCode, ttlSeconds int64) error {
	if err := t.guard(); err != nil {
		return err
	}
	rec, err := PrepareAuthorizationCode(code, value, ttlSeconds, t.now())
	if err != nil {
		return err
	}
	return t.bufferSet(EntityAuthorizationCode, code, rec, ttlSeconds)
}

func (t *bufferedTx) DeleteAccessToken(token string) (PendingDelete, error) {
	return t.bufferDelete(EntityAccessToken, token, false)
}

func (t *bufferedTx) DeleteRefreshToken(token string) (PendingDelete, error) {
	return t.bufferDelete(EntityRefreshToken, token, false)
}

func (t *bufferedTx) DeleteAuthorizationCode(code string) (PendingDelete, error) {
	return t.bufferDelete(EntityAuthorizationCode, code, false)
}

func (t *bufferedTx) ConsumeRefreshToken(token string) (PendingDelete, error) {
	return t.bufferDelete(EntityRefreshToken, token, true)
}

// guard reports ErrInvalidState before argument validation, so callers of a
// finished transaction see the state error first.
func (t *bufferedTx) guard() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkActive()
}

func (t *bufferedTx) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.backend.GetAccessToken(ctx, token)
}

func (t *bufferedTx) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.backend.GetRefreshToken(ctx, token)
}

func (t *bufferedTx) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.backend.GetAuthorizationCode(ctx, code)
}

func (t *bufferedTx) MarkAuthorizationCodeUsed(_ context.Context, _ string) (bool, error) {
	if err := t.guard(); err != nil {
		return false, err
	}
	return false, fmt.Errorf("%w: MarkAuthorizationCodeUsed", ErrUnsupportedOperation)
}

func (t *bufferedTx) Commit(ctx context.Context) (*TxResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}

	ops := t.ops
	t.ops = nil

	var deleted []bool
	var err error
	if len(ops) > 0 {
		deleted, err = t.backend.CommitOps(ctx, ops)
		if err == nil && len(deleted) != len(ops) {
			err = fmt.Errorf("backend returned %d results for %d ops", len(deleted), len(ops))
		}
	}
	if err != nil {
		t.state = TxRolledBack
		if !errors.Is(err, ErrCommitFailed) {
			err = fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
		t.notify(len(ops), err)
		return nil, err
	}

	t.state = TxCommitted
	t.notify(len(ops), nil)
	if deleted == nil {
		deleted = []bool{}
	}
	return &TxResult{owner: t, deleted: deleted, ops: len(ops)}, nil
}

func (t *bufferedTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	n := len(t.ops)
	t.ops = nil
	t.state = TxRolledBack
	t.notify(n, nil)
	return nil
}

// notify must be called with mu held.
func (t *bufferedTx) notify(ops int, err error) {
	if t.observer != nil {
		t.observer(t.state, ops, err)
	}
}
