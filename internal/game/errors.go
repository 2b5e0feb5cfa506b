package game

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable reason attached to every rejected command.
type Code string

const (
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeInvalidAutoCashout Code = "INVALID_AUTO_CASHOUT"
	CodeAlreadyBet         Code = "ALREADY_BET"
	CodeGameInProgress     Code = "GAME_IN_PROGRESS"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeNotRunning         Code = "NOT_RUNNING"
	CodeNoBet              Code = "NO_BET"
	CodeAlreadyCashedOut   Code = "ALREADY_CASHED_OUT"
	CodeTooLate            Code = "TOO_LATE"
	CodeLedgerUnavailable  Code = "LEDGER_UNAVAILABLE"
	CodeRoomBusy           Code = "ROOM_BUSY"
	CodeRoomStopped        Code = "ROOM_STOPPED"
	CodeRoomNotFound       Code = "ROOM_NOT_FOUND"
	CodeRoundNotFound      Code = "ROUND_NOT_FOUND"
	CodeInternal           Code = "INTERNAL"
)

// Error is a coded domain error. Two Errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrInvalidAmount      = newError(CodeInvalidAmount, "bet amount must be positive")
	ErrInvalidAutoCashout = newError(CodeInvalidAutoCashout, "auto cashout must be greater than 1.00")
	ErrAlreadyBet         = newError(CodeAlreadyBet, "bet already placed this round")
	ErrGameInProgress     = newError(CodeGameInProgress, "betting is closed")
	ErrInsufficientFunds  = newError(CodeInsufficientFunds, "insufficient balance")
	ErrUserNotFound       = newError(CodeUserNotFound, "user has no balance account")
	ErrNotRunning         = newError(CodeNotRunning, "round is not running")
	ErrNoBet              = newError(CodeNoBet, "no bet this round")
	ErrAlreadyCashedOut   = newError(CodeAlreadyCashedOut, "bet already cashed out")
	ErrTooLate            = newError(CodeTooLate, "round already crashed")
	ErrLedgerUnavailable  = newError(CodeLedgerUnavailable, "ledger unavailable")
	ErrRoomBusy           = newError(CodeRoomBusy, "room command queue full")
	ErrRoomStopped        = newError(CodeRoomStopped, "room is not running")
	ErrRoomNotFound       = newError(CodeRoomNotFound, "room not found")
	ErrRoundNotFound      = newError(CodeRoundNotFound, "round not found")

	// ErrEntropy reports that no server seed could be drawn. It halts the room.
	ErrEntropy = errors.New("entropy source failed")
)

// CodeOf extracts the domain code from err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the domain message of err without its code prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
