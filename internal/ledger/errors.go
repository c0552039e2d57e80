package ledger

import "errors"

// Code is the numeric status carried by every hub response.
type Code uint32

const (
	CodeSuccess Code = iota
	CodeInvalidOperation
	CodeInvalidChannel
	CodeNoSuchChannel
	CodeInvalidParameters
	CodeInvalidUser
	CodeInsufficientBalance
	CodeAlreadyExists
	CodeInvalidReceiver
	CodeInsufficientFee
	CodeUnexpected
	CodeSealFailed
	CodeUnsealFailed
	CodeDecryptionFailed
	CodeEncryptionFailed
	CodeNoSuchReceiver
	CodeReceiverNotReady
	CodeNoSuchAccount
	CodeNoBatchReady
	CodeCannotLowerBlock
	CodeAuthenticationFailed
	CodeAmountTooLow
	CodeConservation
)

// Error is a ledger failure with a stable code. The message is what clients see.
type Error struct {
	code   Code
	msg    string
	parent *Error
}

func (e *Error) Error() string { return e.msg }

// Code returns the numeric status of the error.
func (e *Error) Code() Code { return e.code }

// Unwrap exposes the broader error kind, if any.
func (e *Error) Unwrap() error {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

var (
	ErrInvalidOperation     = &Error{code: CodeInvalidOperation, msg: "invalid operation"}
	ErrInvalidChannel       = &Error{code: CodeInvalidChannel, msg: "invalid channel"}
	ErrNoSuchChannel        = &Error{code: CodeNoSuchChannel, msg: "no such channel"}
	ErrInvalidParameters    = &Error{code: CodeInvalidParameters, msg: "invalid parameters"}
	ErrInvalidUser          = &Error{code: CodeInvalidUser, msg: "invalid user"}
	ErrInsufficientBalance  = &Error{code: CodeInsufficientBalance, msg: "not enough balance"}
	ErrAlreadyExists        = &Error{code: CodeAlreadyExists, msg: "already exists"}
	ErrInvalidReceiver      = &Error{code: CodeInvalidReceiver, msg: "invalid receiver"}
	ErrInsufficientFee      = &Error{code: CodeInsufficientFee, msg: "not enough routing fee"}
	ErrUnexpected           = &Error{code: CodeUnexpected, msg: "unexpected error"}
	ErrSealFailed           = &Error{code: CodeSealFailed, msg: "seal failed"}
	ErrUnsealFailed         = &Error{code: CodeUnsealFailed, msg: "unseal failed"}
	ErrDecryptionFailed     = &Error{code: CodeDecryptionFailed, msg: "decryption failed"}
	ErrEncryptionFailed     = &Error{code: CodeEncryptionFailed, msg: "encryption failed"}
	ErrNoSuchAccount        = &Error{code: CodeNoSuchAccount, msg: "no such account"}
	ErrNoSuchReceiver       = &Error{code: CodeNoSuchReceiver, msg: "no such receiver", parent: ErrNoSuchAccount}
	ErrReceiverNotReady     = &Error{code: CodeReceiverNotReady, msg: "receiver not ready"}
	ErrNoBatchReady         = &Error{code: CodeNoBatchReady, msg: "settlement not ready"}
	ErrCannotLowerBlock     = &Error{code: CodeCannotLowerBlock, msg: "cannot change to lower block"}
	ErrAuthenticationFailed = &Error{code: CodeAuthenticationFailed, msg: "no authority"}
	ErrAmountTooLow         = &Error{code: CodeAmountTooLow, msg: "too low amount to settle"}
	ErrConservation         = &Error{code: CodeConservation, msg: "ledger conservation violated"}
)

var byCode = func() map[Code]*Error {
	m := make(map[Code]*Error)
	for _, e := range []*Error{
		ErrInvalidOperation, ErrInvalidChannel, ErrNoSuchChannel, ErrInvalidParameters,
		ErrInvalidUser, ErrInsufficientBalance, ErrAlreadyExists, ErrInvalidReceiver,
		ErrInsufficientFee, ErrUnexpected, ErrSealFailed, ErrUnsealFailed,
		ErrDecryptionFailed, ErrEncryptionFailed, ErrNoSuchAccount, ErrNoSuchReceiver,
		ErrReceiverNotReady, ErrNoBatchReady, ErrCannotLowerBlock,
		ErrAuthenticationFailed, ErrAmountTooLow, ErrConservation,
	} {
		m[e.code] = e
	}
	return m
}()

// CodeOf maps any error onto the status code a client receives.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var le *Error
	if errors.As(err, &le) {
		return le.code
	}
	return CodeUnexpected
}

// Status returns the fixed response text for a code.
func Status(code Code) string {
	if code == CodeSuccess {
		return "success"
	}
	if e, ok := byCode[code]; ok {
		return e.msg
	}
	return ErrUnexpected.msg
}

// FromCode returns the sentinel error for a code, nil for success.
func FromCode(code Code) error {
	if code == CodeSuccess {
		return nil
	}
	if e, ok := byCode[code]; ok {
		return e
	}
	return ErrUnexpected
}
