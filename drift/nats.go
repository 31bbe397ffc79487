package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix drift reports are published under.
// The target name is appended, e.g. "fnpatch.drift.Person._update_state".
const DefaultSubject = "fnpatch.drift"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes reports as JSON.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink. An empty subject uses DefaultSubject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: strings.TrimSuffix(subject, ".")}
}

// Subject returns the subject r is published on.
func (s *NATSSink) Subject(r Report) string {
	return s.subject + "." + r.Function
}

// Publish sends r.
func (s *NATSSink) Publish(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	msg := nats.NewMsg(s.Subject(r))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, r.ID.String())
	msg.Header.Set("Content-Type", "application/json")
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
