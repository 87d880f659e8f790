package talk

import (
	"errors"
	"fmt"

	"github.com/example/talk-gateway/modules/store"
)

// Errors returned by engine operations. Callers match them with errors.Is.
var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDuplicateBinding = errors.New("identity already bound to another connection")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Wire error codes.
const (
	CodeInvalidIdentity  = "INVALID_IDENTITY"
	CodeNotFound         = "NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeDuplicateBinding = "DUPLICATE_BINDING"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInternal         = "INTERNAL"
)

// ErrorCode maps an engine error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return CodeInvalidIdentity
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrDuplicateBinding):
		return CodeDuplicateBinding
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	default:
		return CodeInternal
	}
}

// unavailable wraps a store failure so it matches ErrStoreUnavailable while
// keeping the cause.
func unavailable(err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
