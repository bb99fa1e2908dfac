// Package notify forwards lifecycle transitions to NATS so that services
// outside the process can follow them. Subjects have the form
// runsync.<entity>.<kind>.<state>.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/seantiz/runsync/internal/dispatch"
)

// SubjectPrefix is the first token of every subject.
const SubjectPrefix = "runsync"

// Conn is the part of *nats.Conn the notifier uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Notifier publishes dispatch messages to NATS.
type Notifier struct {
	conn   Conn
	logger *slog.Logger
}

// New returns a notifier over conn.
func New(conn Conn, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{conn: conn, logger: logger}
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("runsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject a message is published on.
func Subject(msg dispatch.Message) string {
	rec := msg.Record()
	return strings.Join([]string{SubjectPrefix, token(string(rec.Entity)), token(rec.Kind), token(string(rec.State))}, ".")
}

// token keeps subject tokens free of separators and wildcards.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Handle is a dispatch.Handler publishing msg as JSON.
func (n *Notifier) Handle(_ context.Context, msg dispatch.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID(), err)
	}
	subject := Subject(msg)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.logger.Debug("transition published", "subject", subject, "record_id", msg.RecordID())
	return nil
}
