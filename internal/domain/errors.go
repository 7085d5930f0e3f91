package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	ErrBookNotReady        = errors.New("order book not calibrated")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUntrackedCurrency   = errors.New("currency not tracked by ledger")
	ErrSettlementTimeout   = errors.New("settlement timed out")
	ErrOrderFailed         = errors.New("order failed")
	ErrNoRoute             = errors.New("no direct pair between currencies")
	ErrInvariant           = errors.New("invariant violation")
	ErrImplausibleProfit   = errors.New("implausible expected profit")
	ErrRiskLimit           = errors.New("risk limit exceeded")
	ErrKillSwitch          = errors.New("kill switch tripped")
)
