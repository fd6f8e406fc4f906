package boundary

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"go.uber.org/zap"
)

// NATSConn defines the minimal subset of core NATS operations the transport
// depends on, so tests can run without a server.
type NATSConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (NATSSubscription, error)
	IsConnected() bool
}

// NATSSubscription abstracts the subscription handle.
type NATSSubscription interface {
	Unsubscribe() error
}

// WrapNATSConn adapts a *nats.Conn to the NATSConn interface.
func WrapNATSConn(nc *nats.Conn) NATSConn {
	return &natsConnAdapter{nc: nc}
}

type natsConnAdapter struct {
	nc *nats.Conn
}

func (a *natsConnAdapter) Publish(subj string, data []byte) error { return a.nc.Publish(subj, data) }
func (a *natsConnAdapter) IsConnected() bool                      { return a.nc.IsConnected() }
func (a *natsConnAdapter) Subscribe(subj string, cb nats.MsgHandler) (NATSSubscription, error) {
	sub, err := a.nc.Subscribe(subj, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// DefaultSubjectPrefix is used when NATSTransport.Prefix is empty.
const DefaultSubjectPrefix = "okeanos"

// Subject returns the NATS subject a rank listens on.
func Subject(prefix, runID string, rank int) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.rank.%d", prefix, runID, rank)
}

// NATSTransport carries boundary messages over core NATS subjects.
type NATSTransport struct {
	conn   NATSConn
	prefix string
	runID  string
	logger *zap.Logger

	mu  sync.Mutex
	sub NATSSubscription
}

// NewNATSTransport creates a transport on conn for runID.
func NewNATSTransport(conn NATSConn, prefix, runID string, logger *zap.Logger) (*NATSTransport, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSTransport{conn: conn, prefix: prefix, runID: runID, logger: logger}, nil
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, toRank int, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.conn.IsConnected() {
		return okerrors.ErrNotConnected
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	subject := Subject(t.prefix, t.runID, toRank)
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %s: %v", okerrors.ErrPublishFailed, subject, err)
	}
	return nil
}

// Start implements Transport.
func (t *NATSTransport) Start(_ context.Context, rank int, deliver func(Message)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return fmt.Errorf("NATS transport already started")
	}

	subject := Subject(t.prefix, t.runID, rank)
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := DecodeMessage(m.Data)
		if err != nil {
			t.logger.Warn("Dropping malformed boundary message",
				zap.String("subject", m.Subject),
				zap.Error(err))
			return
		}
		deliver(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	t.sub = sub
	t.logger.Info("Listening for boundary messages", zap.String("subject", subject))
	return nil
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	err := t.sub.Unsubscribe()
	t.sub = nil
	return err
}
