// Package apperr はAPI応答に変換できるエラー型を提供します。
package apperr

import "fmt"

// Error はエラーコードと利用者向けメッセージを持つエラーです。
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// New は Error を作成します。wrapped は内部原因で、nil でも構いません。
func New(code, message string, wrapped error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     wrapped,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}
