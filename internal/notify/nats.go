package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects follow "strata.<username>.<kind>"; payload is the username so
// subscribers with wildcard subjects can route without parsing the topic.
const (
	subjectEvents   = "events-changed"
	subjectAccesses = "accesses-changed"
	subjectAccount  = "account-changed"
	subjectDeleted  = "user-deleted"
)

// NATSNotifier publishes change notifications on a NATS connection.
type NATSNotifier struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string, log zerolog.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("strata-core"),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSNotifier{nc: nc, log: log.With().Str("component", "notify").Logger()}, nil
}

var _ Notifier = (*NATSNotifier)(nil)

func (n *NATSNotifier) EventsChanged(ctx context.Context, username string) {
	n.publish(username, subjectEvents)
}

func (n *NATSNotifier) AccessesChanged(ctx context.Context, username string) {
	n.publish(username, subjectAccesses)
}

func (n *NATSNotifier) AccountChanged(ctx context.Context, username string) {
	n.publish(username, subjectAccount)
}

func (n *NATSNotifier) UserDeleted(ctx context.Context, username string) {
	n.publish(username, subjectDeleted)
}

func (n *NATSNotifier) Close() {
	n.nc.Drain()
}

func (n *NATSNotifier) publish(username, kind string) {
	subject := fmt.Sprintf("strata.%s.%s", username, kind)
	if err := n.nc.Publish(subject, []byte(username)); err != nil {
		n.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish notification")
	}
}
