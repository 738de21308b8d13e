package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNoPriceRoute      = errors.New("no price route")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrStaleInput        = errors.New("stale input")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	ErrZeroReserve       = errors.New("zero reserve")
	ErrInvalidReserve    = errors.New("invalid reserve")
	ErrDecimalsMismatch  = errors.New("decimals mismatch")
	ErrSamePoolTokens    = errors.New("pool tokens must differ")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrLockHeld          = errors.New("lock already held")
	ErrRateLimited       = errors.New("rate limited")
	ErrInvalidArgument   = errors.New("invalid argument")
)
