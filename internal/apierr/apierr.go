// Package apierr defines the error taxonomy shared by the storage, entity
// controller, and dispatch layers. Kinds are transport-agnostic; REST and
// MCP map them to status codes / JSON-RPC codes at the dispatch boundary
// only, never inside a controller.
package apierr

import "fmt"

// Kind classifies an error for transport mapping and recoverability.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindDuplicate           Kind = "duplicate"
	KindValidation          Kind = "validation"
	KindNotRecipient        Kind = "not_recipient"
	KindNotOwner            Kind = "not_owner"
	KindContactBlocked      Kind = "contact_blocked"
	KindReservationConflict Kind = "reservation_conflict"
	KindRateLimited         Kind = "rate_limited"
	KindLockTimeout         Kind = "lock_timeout"
	KindSearchBackend       Kind = "search_backend"
	KindArchiveWriteFailed  Kind = "archive_write_failed"
	KindStorage             Kind = "storage"
	KindGit                 Kind = "git"
	KindInternal             Kind = "internal"
)

// Recoverable reports whether an autonomous caller can retry after fixing
// its request, per spec's error taxonomy table.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNotFound, KindDuplicate, KindValidation, KindReservationConflict,
		KindRateLimited, KindLockTimeout, KindSearchBackend, KindArchiveWriteFailed:
		return true
	default:
		return false
	}
}

// Error is the common envelope for every apierr.Kind.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(k Kind, msg string, fields map[string]any) *Error {
	return &Error{Kind: k, Message: msg, Fields: fields}
}

// NotFound builds a NotFound{entity, identifier, similar?} error.
func NotFound(entity, identifier string, similar ...string) *Error {
	f := map[string]any{"entity": entity, "identifier": identifier}
	if len(similar) > 0 {
		f["similar"] = similar
	}
	return newErr(KindNotFound, fmt.Sprintf("%s %q not found", entity, identifier), f)
}

// Duplicate builds a Duplicate{entity, identifier} error.
func Duplicate(entity, identifier string) *Error {
	return newErr(KindDuplicate, fmt.Sprintf("%s %q already exists", entity, identifier),
		map[string]any{"entity": entity, "identifier": identifier})
}

// ValidationFailure is the structured payload described in spec §4.10/§7.
type ValidationFailure struct {
	Field      string `json:"field"`
	Provided   any    `json:"provided"`
	Reason     string `json:"reason"`
	Suggestion any    `json:"suggestion,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Similar    []string `json:"similar,omitempty"`
}

// Validation builds a Validation{field, provided, reason, suggestion?} error.
func Validation(v ValidationFailure) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf("validation failed for %s: %s", v.Field, v.Reason),
		Fields: map[string]any{
			"field":      v.Field,
			"provided":   v.Provided,
			"reason":     v.Reason,
			"suggestion": v.Suggestion,
			"pattern":    v.Pattern,
			"similar":    v.Similar,
		},
	}
}

func NotRecipient(agent string) *Error {
	return newErr(KindNotRecipient, fmt.Sprintf("%s is not a recipient of this message", agent), nil)
}

func NotOwner(agent string) *Error {
	return newErr(KindNotOwner, fmt.Sprintf("%s is not the holder of this resource", agent), nil)
}

func ContactBlocked(target string) *Error {
	return newErr(KindContactBlocked, fmt.Sprintf("%s blocks unsolicited contact", target), nil)
}

// ReservationConflict carries the list of competing holders.
type Conflict struct {
	Path               string `json:"path"`
	HolderAgent        string `json:"holder_agent"`
	HolderReservationID int64 `json:"holder_reservation_id"`
}

func ReservationConflict(conflicts []Conflict) *Error {
	return &Error{
		Kind:    KindReservationConflict,
		Message: "one or more requested paths conflict with an active reservation",
		Fields:  map[string]any{"conflicts": conflicts},
	}
}

func RateLimited(retryAfterSeconds float64) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: "rate limit exceeded",
		Fields:  map[string]any{"retry_after": retryAfterSeconds},
	}
}

func LockTimeout(ownerPID int) *Error {
	return &Error{
		Kind:    KindLockTimeout,
		Message: "timed out waiting for archive lock",
		Fields:  map[string]any{"owner_pid": ownerPID},
	}
}

func SearchBackend(msg string) *Error {
	return newErr(KindSearchBackend, msg, nil)
}

func ArchiveWriteFailed(msg string) *Error {
	return newErr(KindArchiveWriteFailed, msg, nil)
}

// Wrap wraps a lower-layer error with an operation-naming context string,
// preserving the Kind if err is already an *Error and using kind otherwise.
func Wrap(op string, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return &Error{Kind: ae.Kind, Message: fmt.Sprintf("%s: %s", op, ae.Message), Fields: ae.Fields, Wrapped: ae.Wrapped}
	}
	return &Error{Kind: kind, Message: op, Wrapped: err}
}

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	if ok {
		return ae, true
	}
	var target *Error
	if ok := errorsAs(err, &target); ok {
		return target, true
	}
	return nil, false
}

func errorsAs(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
