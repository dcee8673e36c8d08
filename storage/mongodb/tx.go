package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

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

// CommitOps applies ops inside a multi-document transaction on one session.
// Preconditions are checked first, inside the same transaction, so a
// concurrent writer either conflicts (the driver retries the whole callback)
// or is observed by the checks.
func (s *Store) CommitOps(ctx context.Context, ops []storage.TxOp) (_ []bool, err error) {
	ctx, done := s.track(ctx, "commit")
	defer done(&err)
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	plan, err := storage.PlanCommit(ops)
	if err != nil {
		return nil, err
	}
	docs, err := encodeOps(ops)
	if err != nil {
		return nil, err
	}

	sess, err := db.Client().StartSession()
	if err != nil {
		return nil, wrapErr(err, "failed to start session")
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return s.commitInSession(sc, db, ops, docs, plan)
	})
	if err != nil {
		if isTransportError(err) {
			return nil, fmt.Errorf("%w: %w", storage.ErrConnection, err)
		}
		return nil, err
	}
	return out.([]bool), nil
}

func (s *Store) commitInSession(
	ctx mongo.SessionContext,
	db *mongo.Database,
	ops []storage.TxOp,
	docs []any,
	plan *storage.CommitPlan,
) ([]bool, error) {
	now := s.now()

	for _, ref := range plan.MustBeAbsent {
		coll := s.coll(db, ref.Entity)
		// Expired leftovers would collide on _id with the insert below.
		expired := bson.D{
			{Key: "_id", Value: ref.Key},
			{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}},
		}
		if _, err := coll.DeleteOne(ctx, expired); err != nil {
			return nil, err
		}
		n, err := coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: ref.Key}})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, ref.Entity, storage.ErrAlreadyExists)
		}
	}
	for _, ref := range plan.MustExist {
		n, err := s.coll(db, ref.Entity).CountDocuments(ctx, s.live(ref.Key))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, ref.Entity, storage.ErrNotFound)
		}
	}

	results := make([]bool, len(ops))
	for i, op := range ops {
		coll := s.coll(db, op.Entity)
		switch op.Kind {
		case storage.OpSet:
			if _, err := coll.InsertOne(ctx, docs[i]); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, fmt.Errorf("%w: %s: %w", storage.ErrCommitFailed, op.Entity, storage.ErrAlreadyExists)
				}
				return nil, err
			}
		case storage.OpDelete:
			// Remove expired documents too, so a later create in this
			// transaction does not collide, but only report live ones.
			var doc expiryDoc
			err := coll.FindOneAndDelete(ctx, bson.D{{Key: "_id", Value: op.Key}},
				options.FindOneAndDelete().SetProjection(bson.D{{Key: "expires_at", Value: 1}}),
			).Decode(&doc)
			switch {
			case errors.Is(err, mongo.ErrNoDocuments):
			case err != nil:
				return nil, err
			default:
				results[i] = doc.ExpiresAt.After(now)
			}
		}
	}
	return results, nil
}

// encodeOps converts buffered records to documents before the session starts.
func encodeOps(ops []storage.TxOp) ([]any, error) {
	docs := make([]any, len(ops))
	for i, op := range ops {
		if op.Kind != storage.OpSet {
			continue
		}
		switch v := op.Value.(type) {
		case *storage.AccessToken:
			docs[i] = toAccessTokenDoc(v)
		case *storage.RefreshToken:
			docs[i] = toRefreshTokenDoc(v)
		case *storage.AuthorizationCode:
			docs[i] = toAuthorizationCodeDoc(v)
		default:
			return nil, fmt.Errorf("%w: unexpected value %T for %s", storage.ErrInvalidArgument, op.Value, op.Entity)
		}
	}
	return docs, nil
}
