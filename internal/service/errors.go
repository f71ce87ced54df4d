package service

import (
	"errors"
	"fmt"
	"strings"

	"delivery-order-service/internal/models"
)

var (
	// ErrCheckoutInProgress is returned while another checkout of the same buyer runs
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	// ErrOrderBusy is returned while another status change of the same order runs
	ErrOrderBusy = errors.New("order is being updated")
)

// ValidationError rejects malformed input before any write happens
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// OffendingItem describes a line that cannot be served from current stock
type OffendingItem struct {
	ProductID   int64              `json:"product_id"`
	ProductType models.ProductType `json:"product_type"`
	Name        string             `json:"name"`
	Requested   int                `json:"requested"`
	Available   int                `json:"available"`
	Reason      string             `json:"reason"`
}

// InsufficientStockError lists the lines that made a validation or sale fail
type InsufficientStockError struct {
	Items []OffendingItem
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", item.Name, item.Requested, item.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

// NotFoundError reports a missing product or order
type NotFoundError struct {
	Resource string
	IDs      []int64
	Message  string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found", e.Resource)
	if len(e.IDs) == 1 {
		msg = fmt.Sprintf("%s %d not found", e.Resource, e.IDs[0])
	} else if len(e.IDs) > 1 {
		msg = fmt.Sprintf("%s %v not found", e.Resource, e.IDs)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IllegalTransitionError rejects a status change that is not an edge of the
// lifecycle for the calling actor.
type IllegalTransitionError struct {
	From   models.OrderStatus
	To     models.OrderStatus
	Reason string
	Err    error
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Unwrap() error {
	return e.Err
}

// ForbiddenError rejects a caller that does not own the order
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// PersistenceError wraps a failed store call
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RollbackFailureError means compensation of a stock batch did not complete
// and the ledger now disagrees with the orders. Operators must reconcile the
// listed mutations by hand.
type RollbackFailureError struct {
	OrderID   int64
	Direction models.StockDirection
	Cause     error
	Pending   []models.StockMutation
	Errs      []error
}

func (e *RollbackFailureError) Error() string {
	return fmt.Sprintf("rollback of %s batch for order %d left %d mutation(s) uncompensated: %v (cause: %v)",
		e.Direction, e.OrderID, len(e.Pending), errors.Join(e.Errs...), e.Cause)
}

func (e *RollbackFailureError) Unwrap() error {
	return e.Cause
}

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
