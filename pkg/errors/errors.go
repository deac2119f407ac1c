package errors

import (
	"errors"
	"fmt"

	"stakeflow/pkg/errors/ecode"
)

// Err 携带错误码的错误，返回给客户端
type Err struct {
	Code    int
	Message string
	cause   error
}

func (e *Err) Error() string {
	if e.cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.cause)
}

func (e *Err) Unwrap() error {
	return e.cause
}

func New(code int, message string) *Err {
	return &Err{Code: code, Message: message}
}

// Wrap 包装底层错误并附加错误码
func Wrap(err error, code int, message string) *Err {
	return &Err{Code: code, Message: message, cause: err}
}

// DecodeErr 解析出错误码和提示信息
func DecodeErr(err error) (int, string) {
	if err == nil {
		return ecode.Success, "success"
	}
	var e *Err
	if errors.As(err, &e) {
		return e.Code, e.Error()
	}
	return ecode.UnknownErr, err.Error()
}

// WithCode 没有底层错误时使用
func WithCode(code int, message string) *Err {
	return New(code, message)
}
