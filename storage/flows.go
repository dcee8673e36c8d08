package storage

import (
	"context"
	"errors"
	"fmt"
)

// Rotation describes a token pair rotation: the old pair is retired and the
// new pair issued in one transaction.
type Rotation struct {
	OldAccessToken  string
	OldRefreshToken string

	NewAccessToken    *AccessToken
	NewRefreshToken   *RefreshToken
	AccessTTLSeconds  int64
	RefreshTTLSeconds int64
}

// RotationResult reports what the rotation removed.
type RotationResult struct {
	OldAccessTokenDeleted  bool
	OldRefreshTokenDeleted bool
}

// RotateTokenPair retires the old pair and issues the new one atomically.
// The old refresh token is consumed, so if a concurrent rotation already
// retired it the commit fails and no new pair is issued. On any error the
// store is left unchanged.
func RotateTokenPair(ctx context.Context, t Transactor, r Rotation) (*RotationResult, error) {
	if r.NewAccessToken == nil || r.NewRefreshToken == nil {
		return nil, fmt.Errorf("%w: rotation needs a new access and refresh token", ErrInvalidArgument)
	}

	tx, err := t.Begin(ctx)
	if err != nil {
		return nil, err
	}

	res, err := rotate(ctx, tx, r)
	if err != nil {
		if tx.State() == TxActive {
			_ = tx.Rollback(ctx)
		}
		return nil, err
	}
	return res, nil
}

func rotate(ctx context.Context, tx Tx, r Rotation) (*RotationResult, error) {
	oldAccess, err := tx.DeleteAccessToken(r.OldAccessToken)
	if err != nil {
		return nil, err
	}
	oldRefresh, err := tx.ConsumeRefreshToken(r.OldRefreshToken)
	if err != nil {
		return nil, err
	}

	access := *r.NewAccessToken
	if access.Token == "" {
		return nil, fmt.Errorf("%w: new access token has no value", ErrInvalidArgument)
	}
	refresh := *r.NewRefreshToken
	if refresh.AccessToken == "" {
		refresh.AccessToken = access.Token
	}

	if err := tx.SetAccessToken(access.Token, &access, r.AccessTTLSeconds); err != nil {
		return nil, err
	}
	if err := tx.SetRefreshToken(refresh.Token, &refresh, r.RefreshTTLSeconds); err != nil {
		return nil, err
	}

	result, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	res := &RotationResult{}
	if res.OldAccessTokenDeleted, err = result.Deleted(oldAccess); err != nil {
		return nil, err
	}
	if res.OldRefreshTokenDeleted, err = result.Deleted(oldRefresh); err != nil {
		return nil, err
	}
	return res, nil
}

// CodeConsumer is the part of Store used by ConsumeAuthorizationCode.
type CodeConsumer interface {
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	MarkAuthorizationCodeUsed(ctx context.Context, code string) (bool, error)
}

// ErrCodeReplayed is returned by ConsumeAuthorizationCode when the code was
// already used.
var ErrCodeReplayed = errors.New("authorization code already used")

// ConsumeAuthorizationCode marks code used and returns its record. It fails
// closed: any storage error, an unknown code or a replay returns an error and
// the caller must not issue credentials.
func ConsumeAuthorizationCode(ctx context.Context, s CodeConsumer, code string) (*AuthorizationCode, error) {
	marked, err := s.MarkAuthorizationCodeUsed(ctx, code)
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, ErrCodeReplayed
	}

	rec, err := s.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
