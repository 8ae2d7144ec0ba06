package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error codes surfaced to websocket and REST clients.
const (
	CodeAuthenticationRequired = 401
	CodePermissionDenied       = 403
	CodeConversationNotFound   = 404
	CodeRateLimitExceeded      = 429
	CodeInvalidMessageType     = 4001
	CodeContentTooLong         = 4002
	CodeValidation             = 400
	CodeInternal               = 500
)

var (
	ErrAuthenticationRequired = NewCodeError(CodeAuthenticationRequired, "AUTHENTICATION_REQUIRED")
	ErrPermissionDenied       = NewCodeError(CodePermissionDenied, "PERMISSION_DENIED")
	ErrConversationNotFound   = NewCodeError(CodeConversationNotFound, "CONVERSATION_NOT_FOUND")
	ErrRateLimitExceeded      = NewCodeError(CodeRateLimitExceeded, "RATE_LIMIT_EXCEEDED")
	ErrInvalidMessageType     = NewCodeError(CodeInvalidMessageType, "INVALID_MESSAGE_TYPE")
	ErrContentTooLong         = NewCodeError(CodeContentTooLong, "CONTENT_TOO_LONG")
	ErrValidation             = NewCodeError(CodeValidation, "VALIDATION_ERROR")
	ErrInternal               = NewCodeError(CodeInternal, "INTERNAL_ERROR")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// WithDetail returns a copy carrying extra human-readable context.
func (e *CodeError) WithDetail(detail string) *CodeError {
	ret := e.clone()
	if ret.Detail == "" {
		ret.Detail = detail
	} else {
		ret.Detail += ", " + detail
	}
	return ret
}

func (e *CodeError) WrapMsg(format string, args ...any) error {
	return e.WithDetail(fmt.Sprintf(format, args...))
}

func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code extracts the numeric code from err, or CodeInternal when err is
// not a CodeError.
func Code(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps a CodeError code to the status returned on the REST
// surface. Websocket-only validation codes collapse to 400.
func HTTPStatus(code int) int {
	switch code {
	case CodeInvalidMessageType, CodeContentTooLong, CodeValidation:
		return 400
	case CodeAuthenticationRequired, CodePermissionDenied,
		CodeConversationNotFound, CodeRateLimitExceeded:
		return code
	default:
		return 500
	}
}
