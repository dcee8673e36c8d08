package storage

import "errors"

// Error taxonomy shared by all backends. Backends wrap these with context using
// fmt.Errorf("%w: ...") so callers can match with errors.Is.
var (
	// ErrConnection indicates the backend is unreachable, retries were exhausted,
	// or a command failed on the transport.
	ErrConnection = errors.New("storage backend unavailable")

	// ErrAlreadyExists indicates a create targeted a key that is already present.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidArgument indicates a malformed TTL, key or record.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is the not-found sentinel. Getters return it for absent or
	// expired records; MarkAuthorizationCodeUsed returns it for unknown codes.
	ErrNotFound = errors.New("record not found")

	// ErrCommitFailed indicates a transaction could not be applied atomically.
	// None of its buffered writes took effect.
	ErrCommitFailed = errors.New("transaction commit failed")

	// ErrInvalidState indicates an operation on a committed or rolled back transaction.
	ErrInvalidState = errors.New("transaction is not active")

	// ErrUnsupportedOperation indicates an operation that cannot run inside a transaction.
	ErrUnsupportedOperation = errors.New("operation not supported in transactions")

	// ErrInvalidClientCredentials is returned by ValidateClientSecret.
	// It is deliberately generic so it does not reveal whether the client exists.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
)

// IsNotFoundError reports whether err is (or wraps) ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExistsError reports whether err is (or wraps) ErrAlreadyExists.
func IsAlreadyExistsError(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsConnectionError reports whether err is (or wraps) ErrConnection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsInvalidArgumentError reports whether err is (or wraps) ErrInvalidArgument.
func IsInvalidArgumentError(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// ResultLabel maps an operation error onto a low-cardinality label for metrics.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	case errors.Is(err, ErrCommitFailed):
		return "commit_failed"
	default:
		return "error"
	}
}
