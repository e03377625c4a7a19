package services

import (
	"errors"
	"fmt"
)

var (
	// ErrGateway marks any failure reported by, or on the way to, the payment provider
	ErrGateway = errors.New("payment gateway error")

	// ErrSignatureInvalid means a webhook payload could not be authenticated or parsed
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrNotFound is returned when a booking or payment lookup misses
	ErrNotFound = errors.New("not found")

	// ErrInvalidAmount is returned for non-positive checkout or refund amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSessionMismatch is returned when a checkout session belongs to another booking
	ErrSessionMismatch = errors.New("checkout session does not belong to booking")
)

// GatewayError wraps a provider failure with the operation that caused it
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrGateway) match any GatewayError
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// PersistenceError wraps a storage failure during a state mutation
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func gatewayErr(op string, err error) error {
	return &GatewayError{Op: op, Err: err}
}

func persistenceErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
