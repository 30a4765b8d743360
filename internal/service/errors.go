package service

import (
	"errors"
	"fmt"

	"family-care-go/internal/repository"
)

// 错误分类，handler 通过 errors.Is 映射为 HTTP 状态码。
var (
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrAccessDenied = errors.New("access denied")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream error")
	ErrPersistence  = errors.New("persistence error")
)

// Error 携带分类和面向调用方的描述；Cause 只用于日志。
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind error, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// PublicMessage 返回可以展示给调用方的错误描述。
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// storeError 把会话存储层的错误转换为业务错误。
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, repository.ErrConversationNotFound):
		return newError(ErrNotFound, "conversation not found")
	default:
		return wrapError(ErrPersistence, err, "failed to persist conversation")
	}
}
