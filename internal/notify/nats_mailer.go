package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

// DefaultSubject is the NATS subject failure notices are published to.
const DefaultSubject = "flowline.notifications.failure"

// NATSMailer hands failure notices to an external mail service by
// publishing them as JSON on a NATS subject. The message id is carried in
// the Nats-Msg-Id header so that consumers can de-duplicate.
type NATSMailer struct {
	conn    *nats.Conn
	subject string
}

// Ensure NATSMailer implements Mailer.
var _ Mailer = (*NATSMailer)(nil)

func NewNATSMailer(conn *nats.Conn, subject string) *NATSMailer {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSMailer{conn: conn, subject: subject}
}

func (m *NATSMailer) SendFailureEmail(ctx context.Context, notice FailureNotice) (Details, error) {
	data, err := json.Marshal(notice)
	if err != nil {
		return Details{}, fmt.Errorf("encode failure notice: %w", err)
	}

	id := ksuid.New().String()
	msg := nats.NewMsg(m.subject)
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data

	if err := m.conn.PublishMsg(msg); err != nil {
		return Details{}, fmt.Errorf("publish failure notice: %w", err)
	}
	if err := m.conn.FlushWithContext(ctx); err != nil {
		return Details{}, fmt.Errorf("flush failure notice: %w", err)
	}
	return Details{MessageID: id, SentAt: time.Now().UTC()}, nil
}

// LogMailer writes failure notices to a logger. It is used when no mail
// transport is configured.
type LogMailer struct {
	Logger zerolog.Logger
}

func (m LogMailer) SendFailureEmail(ctx context.Context, notice FailureNotice) (Details, error) {
	id := ksuid.New().String()
	m.Logger.Warn().
		Str("message_id", id).
		Str("flow_id", notice.FlowID).
		Str("execution_id", notice.ExecutionID).
		Str("step_id", notice.StepID).
		Str("error", notice.Error).
		Msg("flow execution failed")
	return Details{MessageID: id, SentAt: time.Now().UTC()}, nil
}
