package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type jetStreamPublisher interface {
	Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSNotifier publishes alert summaries on <prefix>.<platform>.
type NATSNotifier struct {
	nc            *nats.Conn
	js            jetStreamPublisher
	subjectPrefix string
}

func NewNATSNotifier(natsURL, subjectPrefix string) (*NATSNotifier, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("[NATS] Disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("[NATS] Reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	log.Info().Str("url", natsURL).Msg("[NATS] Connected")
	return &NATSNotifier{nc: nc, js: js, subjectPrefix: subjectPrefix}, nil
}

func (n *NATSNotifier) Subject(summary Summary) string {
	prefix := strings.Trim(strings.TrimSpace(n.subjectPrefix), ".")
	if prefix == "" {
		prefix = "releasewatch.alerts"
	}
	return prefix + "." + string(summary.Platform)
}

func (n *NATSNotifier) Notify(ctx context.Context, summary Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	subject := n.Subject(summary)
	if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Int("size", len(data)).Msg("[NATS] Alert published")
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
