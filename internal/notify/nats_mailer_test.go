package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "nats server not ready")

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSMailer_PublishesNotice(t *testing.T) {
	conn := startTestNATS(t)

	sub, err := conn.SubscribeSync("alerts.failures")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	mailer := NewNATSMailer(conn, "alerts.failures")
	notice := FailureNotice{FlowID: "flow-1", FlowName: "orders", ExecutionID: "exec-1", Error: "boom", FailedAt: time.Now().UTC()}

	details, err := mailer.SendFailureEmail(context.Background(), notice)
	require.NoError(t, err)
	require.NotEmpty(t, details.MessageID)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, details.MessageID, msg.Header.Get(nats.MsgIdHdr))

	var got FailureNotice
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "flow-1", got.FlowID)
	require.Equal(t, "exec-1", got.ExecutionID)
	require.Equal(t, "boom", got.Error)
}

func TestNATSMailer_WithNotifier(t *testing.T) {
	conn := startTestNATS(t)
	sub, err := conn.SubscribeSync(DefaultSubject)
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	n := New(NewMemoryDedup(), NewNATSMailer(conn, ""))
	require.NotNil(t, n)

	flow := testFlow()
	require.True(t, n.NotifyFailure(context.Background(), flow, testExecution(), testStep(), nil))
	require.False(t, n.NotifyFailure(context.Background(), flow, testExecution(), testStep(), nil))

	_, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	_, err = sub.NextMsg(100 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)
}
