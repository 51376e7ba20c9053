package conntab

import "errors"

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrFamilyMismatch    = errors.New("address family mismatch")
	ErrResourceExhausted = errors.New("connection table exhausted")
	ErrClosed            = errors.New("connection table closed")
	ErrTableBits         = errors.New("table bits out of range")
)
