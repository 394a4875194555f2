package models

import "fmt"

type ErrorCode string

const (
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeSystemBusy        ErrorCode = "SYSTEM_BUSY"
	CodeInvalidAction     ErrorCode = "INVALID_ACTION"
	// CodeReshuffleRequired never leaves the card helpers.
	CodeReshuffleRequired ErrorCode = "RESHUFFLE_REQUIRED"
)

// GameError is a typed rejection. A rejected request leaves table state
// exactly as it was before the call.
type GameError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

var (
	ErrInvalidState      = &GameError{Code: CodeInvalidState}
	ErrInsufficientFunds = &GameError{Code: CodeInsufficientFunds}
	ErrSystemBusy        = &GameError{Code: CodeSystemBusy}
	ErrInvalidAction     = &GameError{Code: CodeInvalidAction}
	ErrReshuffleRequired = &GameError{Code: CodeReshuffleRequired}
)

func (e *GameError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any GameError carrying the same code, so
// errors.Is(err, ErrInvalidState) works for errors built with NewGameError.
func (e *GameError) Is(target error) bool {
	t, ok := target.(*GameError)
	return ok && t.Code == e.Code
}

func (e *GameError) Retryable() bool {
	return e.Code == CodeSystemBusy
}

func NewGameError(code ErrorCode, format string, args ...interface{}) *GameError {
	return &GameError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...interface{}) *GameError {
	return NewGameError(CodeInvalidState, format, args...)
}

func InvalidAction(format string, args ...interface{}) *GameError {
	return NewGameError(CodeInvalidAction, format, args...)
}
