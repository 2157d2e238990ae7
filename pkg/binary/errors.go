package binary

import "errors"

var (
	ErrDecode         = errors.New("binary: decode failed")
	ErrInvalidTag     = errors.New("binary: invalid tag byte")
	ErrInvalidToken   = errors.New("binary: invalid token index")
	ErrInvalidPacked  = errors.New("binary: invalid packed character")
	ErrEmptyTag       = errors.New("binary: node tag is empty")
	ErrListTooLarge   = errors.New("binary: list too large")
	ErrTooDeep        = errors.New("binary: node nesting too deep")
	ErrTrailingData   = errors.New("binary: trailing data after node")
	ErrInvalidJID     = errors.New("binary: jid cannot be encoded")
	ErrEmptyFrame     = errors.New("binary: empty frame")
	ErrFrameTooLarge  = errors.New("binary: decompressed frame too large")
	ErrUnexpectedNode = errors.New("binary: unexpected node shape")
)
