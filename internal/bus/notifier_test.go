package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

type captureStream struct {
	msgs []*nats.Msg
	err  error
}

func (s *captureStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	s.msgs = append(s.msgs, m)
	if s.err != nil {
		return nil, s.err
	}
	return &nats.PubAck{Stream: "CLAMAV", Sequence: uint64(len(s.msgs))}, nil
}

func TestInfectionNotifier(t *testing.T) {
	stream := &captureStream{}
	n := newInfectionNotifier(stream, "")
	n.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	record := clamav.QuarantineRecord{ID: "rec-1", Name: "1_a.exe", OriginalPath: "/srv/a.exe"}
	if err := n.NotifyInfection(context.Background(), record); err != nil {
		t.Fatalf("NotifyInfection: %v", err)
	}
	if len(stream.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(stream.msgs))
	}

	msg := stream.msgs[0]
	if msg.Subject != DefaultInfectionSubject || n.Subject() != DefaultInfectionSubject {
		t.Errorf("subject = %q, want %q", msg.Subject, DefaultInfectionSubject)
	}
	if got := msg.Header.Get(nats.MsgIdHdr); got != "rec-1" {
		t.Errorf("msg id = %q, want the record id", got)
	}

	var ev InfectionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.ID == "" || ev.Type != InfectionEventType || ev.Record.Name != "1_a.exe" || !ev.OccurredAt.Equal(n.now()) {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestInfectionNotifierFallbackMsgID(t *testing.T) {
	stream := &captureStream{}
	n := newInfectionNotifier(stream, "custom.subject")
	if err := n.NotifyInfection(context.Background(), clamav.QuarantineRecord{Name: "x"}); err != nil {
		t.Fatalf("NotifyInfection: %v", err)
	}

	var ev InfectionEvent
	if err := json.Unmarshal(stream.msgs[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if got := stream.msgs[0].Header.Get(nats.MsgIdHdr); got != ev.ID {
		t.Errorf("msg id = %q, want event id %q", got, ev.ID)
	}
}

func TestInfectionNotifierPropagatesError(t *testing.T) {
	stream := &captureStream{err: errors.New("no responders")}
	n := newInfectionNotifier(stream, "custom.subject")
	err := n.NotifyInfection(context.Background(), clamav.QuarantineRecord{})
	if err == nil {
		t.Fatal("expected error")
	}
	if stream.msgs[0].Subject != "custom.subject" {
		t.Errorf("subject = %q", stream.msgs[0].Subject)
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	var nilNotifier *InfectionNotifier
	nilNotifier.Close()
	newInfectionNotifier(&captureStream{}, "").Close()
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial("nats://127.0.0.1:1", "", nats.Timeout(200*time.Millisecond), nats.NoReconnect())
	if err == nil {
		t.Fatal("expected connect error")
	}
}
