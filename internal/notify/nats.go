package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/wonny/stocketl/pkg/logger"
)

// Publisher is the subset of *nats.Conn the notifier needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes the event on a subject
type NATS struct {
	conn    Publisher
	subject string
	logger  *logger.Logger
}

// ConnectNATS dials url and returns the connection for NewNATS
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("ohlcv-etl"),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NewNATS creates a new NATS notifier
func NewNATS(conn Publisher, subject string, log *logger.Logger) *NATS {
	return &NATS{
		conn:    conn,
		subject: subject,
		logger:  log.WithField("module", "notify.nats"),
	}
}

func (n *NATS) Name() string { return "nats" }

// Notify implements Notifier
func (n *NATS) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	n.logger.WithFields(map[string]interface{}{
		"job_id":  ev.JobID,
		"subject": n.subject,
	}).Debug("Invalidation published")
	return nil
}
