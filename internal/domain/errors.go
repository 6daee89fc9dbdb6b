package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Value construction.
	ErrValidation  = errors.New("validation failed")
	ErrInvalidUrn  = errors.New("invalid urn")
	ErrUrnMismatch = errors.New("urn mismatch")

	// Order reservations.
	ErrInsufficientCapacity = errors.New("insufficient unreserved quantity")
	ErrTickWasNotReserved   = errors.New("tick was not reserved")
	ErrOverRelease          = errors.New("release exceeds reservation")

	// Order book.
	ErrInvalidTick = errors.New("invalid tick")
	ErrBookClosed  = errors.New("order book closed")

	// Negotiation and settlement.
	ErrUnknownTrade      = errors.New("unknown trade")
	ErrBadSignature      = errors.New("bad signature")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
