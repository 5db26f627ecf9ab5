// Package bus publishes infection events to NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// DefaultInfectionSubject is used when no subject is configured.
const DefaultInfectionSubject = "clamav.gateway.infections"

// InfectionEventType is the Type of every InfectionEvent.
const InfectionEventType = "clamav.infection.quarantined"

// InfectionEvent is published for every quarantined artifact.
type InfectionEvent struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	OccurredAt time.Time               `json:"occurredAt"`
	Record     clamav.QuarantineRecord `json:"record"`
}

// NewInfectionEvent wraps record in an event envelope.
func NewInfectionEvent(record clamav.QuarantineRecord, now time.Time) InfectionEvent {
	return InfectionEvent{
		ID:         uuid.NewString(),
		Type:       InfectionEventType,
		OccurredAt: now.UTC(),
		Record:     record,
	}
}

// streamPublisher is satisfied by nats.JetStreamContext.
type streamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// InfectionNotifier publishes quarantine records as InfectionEvents.
type InfectionNotifier struct {
	conn    *nats.Conn
	js      streamPublisher
	subject string
	now     func() time.Time
}

// Dial connects to the NATS server at url and returns a notifier publishing
// to subject. Close releases the connection.
func Dial(url, subject string, opts ...nats.Option) (*InfectionNotifier, error) {
	opts = append([]nats.Option{nats.Name("clamav-gateway")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	n := newInfectionNotifier(js, subject)
	n.conn = nc
	return n, nil
}

func newInfectionNotifier(js streamPublisher, subject string) *InfectionNotifier {
	if subject == "" {
		subject = DefaultInfectionSubject
	}
	return &InfectionNotifier{js: js, subject: subject, now: time.Now}
}

// Subject returns the subject events are published to.
func (n *InfectionNotifier) Subject() string {
	return n.subject
}

// NotifyInfection publishes record. The message id header carries the
// quarantine record id so JetStream drops duplicates of the same artifact.
func (n *InfectionNotifier) NotifyInfection(ctx context.Context, record clamav.QuarantineRecord) error {
	ev := NewInfectionEvent(record, n.now())
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode infection event: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msgID := record.ID
	if msgID == "" {
		msgID = ev.ID
	}
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if _, err := n.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// Close drains the connection opened by Dial. It is a no-op otherwise.
func (n *InfectionNotifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
