package transform

import (
	"errors"
	"fmt"
)

// エラーコード一覧。ジョブ失敗時に artifact.ErrorCode として保存されます。
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnsupportedKind   = "UNSUPPORTED_KIND"
	CodeExternalTool      = "EXTERNAL_TOOL_FAILURE"
	CodeOutputNotProduced = "OUTPUT_NOT_PRODUCED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error はコード付きの変換エラーです。Message は利用者に見せてよい文言です。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf は err に含まれるエラーコードを返します。コードがなければ INTERNAL_ERROR です。
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// HasCode は err が指定コードの Error を含むかどうかを返します。
func HasCode(err error, code string) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}
