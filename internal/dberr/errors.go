// Package dberr translates graph driver failures into a small error taxonomy.
package dberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Kind is the application-level classification of a database failure.
type Kind int

// Error kinds. Transient is the only retryable one.
const (
	KindUnknownClient Kind = iota
	KindUnknownDatabase
	KindConstraintViolation
	KindTransient
	KindNotFound
	KindNetwork
	KindDataFormat
)

func (k Kind) String() string {
	switch k {
	case KindUnknownClient:
		return "unknown_client"
	case KindUnknownDatabase:
		return "unknown_database"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network"
	case KindDataFormat:
		return "data_format"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Pseudo codes for failures the server never reports with a status code.
const (
	CodeServiceUnavailable = "ServiceUnavailable"
	CodeNoSuchRecord       = "NoSuchRecord"
	CodeClientTimeout      = "ClientTimeout"
	CodeUsage              = "UsageError"
)

// Server status codes with a dedicated mapping.
const (
	CodeConstraintValidationFailed = "Neo.ClientError.Schema.ConstraintValidationFailed"
	CodeEntityNotFound             = "Neo.ClientError.Statement.EntityNotFound"
	CodeUnknownDatabaseError       = "Neo.DatabaseError.General.UnknownError"
	CodeUnauthorized               = "Neo.ClientError.Security.Unauthorized"
	CodeNotALeader                 = "Neo.ClientError.Cluster.NotALeader"
	CodeForbiddenOnReadOnly        = "Neo.ClientError.General.ForbiddenOnReadOnlyDatabase"
	CodeTransactionTimedOut        = "Neo.ClientError.Transaction.TransactionTimedOut"
)

const (
	transientPrefix = "Neo.TransientError."
	clientPrefix    = "Neo.ClientError."
)

// Error is a translated database failure. It keeps the original code and
// message so callers can map it to a protocol-level status.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the whole unit of work may be re-issued.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Translate maps a (code, message) pair onto the taxonomy. It is pure and
// falls back to one of the unknown kinds rather than failing.
func Translate(code, message string) *Error {
	e := &Error{Code: code, Message: message}

	switch {
	case code == CodeConstraintValidationFailed:
		e.Kind = KindConstraintViolation
	case code == CodeNoSuchRecord, code == CodeEntityNotFound:
		e.Kind = KindNotFound
	case code == CodeServiceUnavailable:
		e.Kind = KindNetwork
	case code == CodeUnknownDatabaseError:
		e.Kind = KindDataFormat
	case strings.HasPrefix(code, transientPrefix),
		code == CodeNotALeader,
		code == CodeForbiddenOnReadOnly,
		code == CodeTransactionTimedOut,
		code == CodeClientTimeout:
		e.Kind = KindTransient
	case strings.HasPrefix(code, clientPrefix), code == CodeUsage:
		e.Kind = KindUnknownClient
	default:
		e.Kind = KindUnknownDatabase
	}
	return e
}

// FromDriver classifies an error returned by the neo4j driver. nil stays nil
// and errors that are already translated are returned unchanged.
func FromDriver(err error) error {
	if err == nil {
		return nil
	}

	var translated *Error
	if errors.As(err, &translated) {
		return err
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return wrap(Translate(neoErr.Code, neoErr.Msg), err)
	}

	var connErr *neo4j.ConnectivityError
	if errors.As(err, &connErr) {
		return wrap(Translate(CodeServiceUnavailable, err.Error()), err)
	}

	var usageErr *neo4j.UsageError
	if errors.As(err, &usageErr) {
		return wrap(Translate(CodeUsage, usageErr.Message), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(Translate(CodeClientTimeout, err.Error()), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrap(Translate(CodeServiceUnavailable, err.Error()), err)
	}

	return wrap(Translate("", err.Error()), err)
}

// NotFound builds the error returned when a single-row read produced no row.
func NotFound(statement string) error {
	return Translate(CodeNoSuchRecord, fmt.Sprintf("no record returned by %q", statement))
}

func wrap(e *Error, cause error) *Error {
	e.Err = cause
	return e
}

// KindOf returns the kind of a translated error. ok is false when err does not
// carry a classification.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknownClient, false
}

// Is reports whether err was classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err instructs the caller to retry the whole
// unit of work.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}

// IsAuthentication reports whether err is a rejected login.
func IsAuthentication(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return neoErr.Code == CodeUnauthorized ||
			strings.HasPrefix(neoErr.Code, "Neo.ClientError.Security.Authentication")
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeUnauthorized
	}
	return false
}
