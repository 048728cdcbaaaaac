package domain

import "errors"

var (
	// ErrValidation marks a malformed request: bad order array, duplicate or unknown id.
	ErrValidation = errors.New("validation failure")
	// ErrAuthorizationDenied marks an actor lacking rights over a container or entity.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrNotFound marks a referenced board, list or task that does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrTransaction marks an unexpected persistence failure. The mutation was not applied.
	ErrTransaction = errors.New("transaction failure")
)

// Kind returns the taxonomy name of err, or "" when err is not classified.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationFailure"
	case errors.Is(err, ErrAuthorizationDenied):
		return "AuthorizationDenied"
	case errors.Is(err, ErrNotFound):
		return "EntityNotFound"
	case errors.Is(err, ErrTransaction):
		return "TransactionFailure"
	default:
		return ""
	}
}
