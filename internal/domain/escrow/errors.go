package escrow

import "errors"

var (
	ErrTransactionNotFound = errors.New("escrow transaction not found")
	ErrUnauthorized        = errors.New("actor not authorized for this transaction")
	ErrInvalidTransition   = errors.New("invalid escrow status transition")
	ErrAlreadyTerminal     = errors.New("escrow transaction already in terminal status")
	ErrStaleState          = errors.New("escrow transaction status changed concurrently")
	ErrPreconditionFailed  = errors.New("escrow side effect failed")
	ErrInvalidInput        = errors.New("invalid escrow transaction input")
)
