package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/nats-io/nats.go"
)

const (
	DefaultNatsSubject = "flows.completed"
	flushTimeout       = 5 * time.Second
)

// Nats publishes events on <subject>.<status>, e.g. flows.completed.settled.
type Nats struct {
	conn    *nats.Conn
	subject string
}

func ConnectNats(url, subject string, timeout time.Duration) (*Nats, error) {
	conn, err := nats.Connect(url,
		nats.Name("nestpay-flows"),
		nats.RetryOnFailedConnect(true),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to nats at %s: %w", url, err)
	}
	return NewNats(conn, subject), nil
}

func NewNats(conn *nats.Conn, subject string) *Nats {
	if subject == "" {
		subject = DefaultNatsSubject
	}
	return &Nats{conn: conn, subject: subject}
}

// Subject is the subject an event with the given status is published on.
func (n *Nats) Subject(status models.FlowStatus) string {
	return n.subject + "." + strings.ToLower(string(status))
}

func (n *Nats) Publish(ctx context.Context, e models.FlowEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.Subject(e.Status))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.FlowID+":"+string(e.Status))
	if err = n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("could not publish flow event %s: %w", e.FlowID, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *Nats) Close() error {
	return n.conn.Drain()
}
