package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/wonny/stocketl/internal/contracts"
)

// Event tells downstream readers which series changed
type Event struct {
	JobID       int64                 `json:"job_id"`
	Symbols     []string              `json:"symbols"`
	TradingDate contracts.TradingDate `json:"trading_date"`
	RecordCount int                   `json:"record_count"`
}

// Payload encodes the event for the wire
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// Notifier delivers cache invalidation events.
// Delivery is best effort: callers log errors and move on.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Noop drops every event
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Notify(ctx context.Context, ev Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
