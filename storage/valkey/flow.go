package valkey

import (
	"context"
	"fmt"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-store/internal/util"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// markCodeUsedScript atomically checks that an authorization code is unused
// and marks it as used, keeping the remaining TTL.
//
// Security: only ONE concurrent caller can observe MARKED. Every other caller
// observes ALREADY_USED, which is the replay signal.
//
// KEYS[1] = code key (e.g., "mcp:code:abc123")
//
// Returns:
//   - "NOT_FOUND" if the key doesn't exist (never stored or expired)
//   - "ALREADY_USED" if the code was already marked
//   - "MARKED" if this call flipped used from false to true
const markCodeUsedScript = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return 'MARKED'
`

// markCodeUsed runs EVALSHA and falls back to EVAL when the script is not cached.
var markCodeUsed = valkeygo.NewLuaScript(markCodeUsedScript)

const (
	markResultNotFound    = "NOT_FOUND"
	markResultAlreadyUsed = "ALREADY_USED"
	markResultMarked      = "MARKED"
)

// SetAuthorizationCode stores a new, unused authorization code.
func (s *Store) SetAuthorizationCode(ctx context.Context, code string, value *storage.AuthorizationCode, ttlSeconds int64) (err error) {
	ctx, done := s.track(ctx, "set_authorization_code")
	defer done(&err)
	rec, err := storage.PrepareAuthorizationCode(code, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	c, err := s.ready()
	if err != nil {
		return err
	}
	data, err := marshal(toAuthorizationCodeJSON(rec))
	if err != nil {
		return err
	}
	if err = s.setNX(ctx, c, storage.EntityAuthorizationCode, s.key(storage.EntityAuthorizationCode, code), data, ttlSeconds); err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.LogPrefix(code),
		"client_id", rec.ClientID,
		"ttl_seconds", ttlSeconds)
	return nil
}

// GetAuthorizationCode returns storage.ErrNotFound for absent or expired codes.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.track(ctx, "get_authorization_code")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return nil, err
	}
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return getAndUnmarshal(ctx, s, c, storage.EntityAuthorizationCode, s.key(storage.EntityAuthorizationCode, code), fromAuthorizationCodeJSON)
}

// DeleteAuthorizationCode reports whether a code was removed.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_authorization_code")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return false, err
	}
	c, err := s.ready()
	if err != nil {
		return false, err
	}
	return s.del(ctx, c, storage.EntityAuthorizationCode, s.key(storage.EntityAuthorizationCode, code))
}

// MarkAuthorizationCodeUsed flips Used from false to true on the server with a
// Lua script. Exactly one caller observes true.
//
// SECURITY: this is the replay guard for the code exchange. Callers must fail
// closed on any error.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (_ bool, err error) {
	ctx, done := s.track(ctx, "mark_code_used")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return false, err
	}
	c, err := s.ready()
	if err != nil {
		return false, err
	}

	res := markCodeUsed.Exec(ctx, c, []string{s.key(storage.EntityAuthorizationCode, code)}, nil)
	s.observe(res.Error())
	result, err := res.ToString()
	if err != nil {
		return false, wrapErr(err, "failed to execute mark code used script")
	}

	switch result {
	case markResultMarked:
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.LogPrefix(code))
		return true, nil
	case markResultAlreadyUsed:
		s.logger.Warn("Authorization code reuse detected",
			"code_prefix", util.LogPrefix(code))
		if inst := s.inst(); inst != nil {
			inst.Metrics().RecordCodeReuseDetected(ctx, BackendName)
		}
		return false, nil
	case markResultNotFound:
		return false, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	default:
		return false, fmt.Errorf("unexpected mark code used result %q", result)
	}
}
