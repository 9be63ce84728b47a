// Package apperr définit la taxonomie d'erreurs du checkout et sa
// traduction en statuts HTTP.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindBusinessRule
	KindConflict
	KindNotFound
	KindDependencyTimeout
	KindAuthentication
	KindGateway
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusinessRule:
		return "business_rule"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindDependencyTimeout:
		return "dependency_timeout"
	case KindAuthentication:
		return "authentication"
	case KindGateway:
		return "gateway"
	case KindConfig:
		return "config"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func Validation(code, msg string) *Error { return New(KindValidation, code, msg) }

func Business(code, msg string) *Error { return New(KindBusinessRule, code, msg) }

func Conflict(code, msg string) *Error { return New(KindConflict, code, msg) }

func NotFound(code, msg string) *Error { return New(KindNotFound, code, msg) }

func Timeout(msg string, err error) *Error {
	return Wrap(KindDependencyTimeout, "dependency_timeout", msg, err)
}

func Authentication(code, msg string) *Error { return New(KindAuthentication, code, msg) }

func Gateway(msg string, err error) *Error { return Wrap(KindGateway, "gateway_error", msg, err) }

func Config(msg string, err error) *Error { return Wrap(KindConfig, "config_error", msg, err) }

func Internal(err error) *Error {
	return Wrap(KindInternal, "internal_error", "Erreur interne, réessayez plus tard", err)
}

// KindOf remonte la chaîne d'erreurs. Un dépassement de délai est toujours
// un DependencyTimeout, même enveloppé dans une erreur interne.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDependencyTimeout
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindBusinessRule:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindDependencyTimeout:
		return http.StatusServiceUnavailable
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public renvoie le code et le message exposables au client. Les erreurs
// internes et de configuration ne laissent rien fuiter.
func Public(err error) (code, msg string) {
	switch KindOf(err) {
	case KindDependencyTimeout:
		return "dependency_timeout", "Erreur temporaire, veuillez réessayer"
	case KindInternal, KindConfig:
		return "internal_error", "Erreur interne, réessayez plus tard"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return "internal_error", "Erreur interne, réessayez plus tard"
}
