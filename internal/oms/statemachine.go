package oms

import (
	"fmt"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
)

// validTransitions enumerates every allowed order-status edge. Any
// transition not listed here is rejected with ErrInvalidTransition.
var validTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderNew:       {domain.OrderSubmitted, domain.OrderRejected},
	domain.OrderSubmitted: {domain.OrderResting, domain.OrderPartial, domain.OrderFilled, domain.OrderRejected, domain.OrderCanceled},
	domain.OrderResting:   {domain.OrderPartial, domain.OrderFilled, domain.OrderCanceled},
	domain.OrderPartial:   {domain.OrderFilled, domain.OrderCanceled},
	domain.OrderFilled:    {domain.OrderClosed},
	domain.OrderCanceled:  {},
	domain.OrderRejected:  {},
	domain.OrderClosed:    {},
}

// Transition validates and applies status to order, returning
// ErrInvalidTransition if the move is not in validTransitions.
func Transition(order *domain.Order, next domain.OrderStatus) error {
	allowed := validTransitions[order.Status]
	for _, s := range allowed {
		if s == next {
			order.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: order %s cannot move from %s to %s", errs.ErrInvalidTransition, order.ID, order.Status, next)
}

// IsTerminal reports whether status has no further valid transitions.
func IsTerminal(status domain.OrderStatus) bool {
	return len(validTransitions[status]) == 0
}
