// Package notify delivers fulfillment events to the people they concern.
package notify

import (
	"context"

	"github.com/vitwit/x402-market/types"
)

// Notifier receives an event after a grant or purchase has been committed.
// Delivery errors never undo the fulfillment.
type Notifier interface {
	Notify(ctx context.Context, ev types.Event) error
}

type Noop struct{}

func (Noop) Notify(context.Context, types.Event) error { return nil }

// Multi fans an event out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev types.Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
