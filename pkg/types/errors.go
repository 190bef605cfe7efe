package types

import (
	"errors"
	"fmt"
)

// Protocol error codes carried in the "error" field of a Response.
const (
	CodeOK             = 0
	CodeReset          = -1
	CodeJSONFormat     = -2
	CodeActionMatch    = -3
	CodeInferencePush  = -4
	CodeModelLoad      = -5
	CodeUnitNotFound   = -6
	CodeUnitCall       = -9
	CodeNotAvailable   = -10
	CodeModelRun       = -11
	CodeFile           = -17
	CodeNotImplemented = -18
	CodeLinkFalse      = -20
	CodeTaskFull       = -21
	CodeBase64         = -23
	CodeStreamIndex    = -25
)

// ErrorBody is the {"code","message"} object. It doubles as a Go error so
// that hooks can return protocol errors directly.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e ErrorBody) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// OK reports whether the body is the success body.
func (e ErrorBody) OK() bool { return e.Code == CodeOK }

// NewError builds an ErrorBody.
func NewError(code int, message string) ErrorBody {
	return ErrorBody{Code: code, Message: message}
}

// Canonical bodies used across the broker and units.
var (
	NoError           = ErrorBody{Code: CodeOK, Message: ""}
	ErrReset          = ErrorBody{Code: CodeReset, Message: "reace reset"}
	ErrJSONFormat     = ErrorBody{Code: CodeJSONFormat, Message: "json format error"}
	ErrActionMatch    = ErrorBody{Code: CodeActionMatch, Message: "action match false"}
	ErrInferencePush  = ErrorBody{Code: CodeInferencePush, Message: "inference data push false"}
	ErrUnitNotFound   = ErrorBody{Code: CodeUnitNotFound, Message: "Unit Does Not Exist"}
	ErrUnitCall       = ErrorBody{Code: CodeUnitCall, Message: "unit call false"}
	ErrNotAvailable   = ErrorBody{Code: CodeNotAvailable, Message: "Not available at the moment."}
	ErrNotImplemented = ErrorBody{Code: CodeNotImplemented, Message: "not have unit action!"}
	ErrLinkFalse      = ErrorBody{Code: CodeLinkFalse, Message: "link false"}
	ErrTaskFull       = ErrorBody{Code: CodeTaskFull, Message: "task full"}
	ErrBase64         = ErrorBody{Code: CodeBase64, Message: "Base64 decoding error."}
	ErrStreamIndex    = ErrorBody{Code: CodeStreamIndex, Message: "Stream data index error."}
)

// AsErrorBody maps any error to a protocol body. Non-protocol errors become
// fallback with the error text as message.
func AsErrorBody(err error, fallback int) ErrorBody {
	if err == nil {
		return NoError
	}
	var body ErrorBody
	if errors.As(err, &body) {
		return body
	}
	return ErrorBody{Code: fallback, Message: err.Error()}
}
