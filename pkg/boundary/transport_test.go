package boundary

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

type mockNATS struct {
	mu        sync.Mutex
	subs      map[string]nats.MsgHandler
	published []string
	offline   bool
}

func newMockNATS() *mockNATS {
	return &mockNATS{subs: make(map[string]nats.MsgHandler)}
}

func (m *mockNATS) Publish(subj string, data []byte) error {
	m.mu.Lock()
	m.published = append(m.published, subj)
	h := m.subs[subj]
	m.mu.Unlock()
	if h != nil {
		h(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (m *mockNATS) Subscribe(subj string, cb nats.MsgHandler) (NATSSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[subj] = cb
	return &mockSub{conn: m, subj: subj}, nil
}

func (m *mockNATS) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

type mockSub struct {
	conn *mockNATS
	subj string
}

func (s *mockSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s.subj)
	return nil
}

func TestNATSTransportExchange(t *testing.T) {
	conn := newMockNATS()
	t0, err := NewNATSTransport(conn, "", testRun, nil)
	require.NoError(t, err)
	t1, err := NewNATSTransport(conn, "", testRun, nil)
	require.NoError(t, err)

	e0, e1 := exchangePair(t, t0, t1)
	ctx := context.Background()

	require.NoError(t, e0.Send(ctx, "nex-1", 0, 4.5))
	got, err := e1.Receive(ctx, "nex-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4.5, got)
	assert.Equal(t, []string{"okeanos.run-test.rank.1"}, conn.published)

	// malformed payloads are dropped
	require.NoError(t, conn.Publish(Subject("", testRun, 1), []byte("{")))
}

func TestNATSTransportNotConnected(t *testing.T) {
	conn := newMockNATS()
	conn.offline = true
	tr, err := NewNATSTransport(conn, "hydro", testRun, nil)
	require.NoError(t, err)

	err = tr.Publish(context.Background(), 1, Message{RunID: testRun, Kind: KindAbort})
	assert.True(t, okerrors.IsNotConnected(err))

	_, err = NewNATSTransport(nil, "", testRun, nil)
	assert.Error(t, err)
	_, err = NewNATSTransport(conn, "", "", nil)
	assert.Error(t, err)
	assert.Equal(t, "hydro.r.rank.3", Subject("hydro", "r", 3))
}

func TestNATSTransportStartTwice(t *testing.T) {
	tr, err := NewNATSTransport(newMockNATS(), "", testRun, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background(), 0, func(Message) {}))
	assert.Error(t, tr.Start(context.Background(), 0, func(Message) {}))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

// mockLists is an in-memory stand-in for Redis lists.
type mockLists struct {
	mu      sync.Mutex
	lists   map[string][]string
	ttl     map[string]time.Duration
	changed chan struct{}
}

func newMockLists() *mockLists {
	return &mockLists{lists: map[string][]string{}, ttl: map[string]time.Duration{}, changed: make(chan struct{})}
}

func (m *mockLists) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		switch x := v.(type) {
		case []byte:
			m.lists[key] = append(m.lists[key], string(x))
		case string:
			m.lists[key] = append(m.lists[key], x)
		default:
			return redis.NewIntResult(0, errors.New("unsupported value"))
		}
	}
	close(m.changed)
	m.changed = make(chan struct{})
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *mockLists) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		for _, k := range keys {
			if l := m.lists[k]; len(l) > 0 {
				m.lists[k] = l[1:]
				m.mu.Unlock()
				return redis.NewStringSliceResult([]string{k, l[0]}, nil)
			}
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return redis.NewStringSliceResult(nil, ctx.Err())
		case <-deadline:
			return redis.NewStringSliceResult(nil, redis.Nil)
		case <-wait:
		}
	}
}

func (m *mockLists) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisTransportExchange(t *testing.T) {
	lists := newMockLists()
	cfg := RedisConfig{RunID: testRun, PollTimeout: 20 * time.Millisecond}
	t0, err := NewRedisTransport(lists, cfg, nil)
	require.NoError(t, err)
	t1, err := NewRedisTransport(lists, cfg, nil)
	require.NoError(t, err)

	e0, e1 := exchangePair(t, t0, t1)
	ctx := context.Background()

	require.NoError(t, e0.Send(ctx, "nex-1", 0, 6))
	require.NoError(t, e0.Send(ctx, "nex-1", 1, 8))
	got, err := e1.Receive(ctx, "nex-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 6.0, got)
	got, err = e1.Receive(ctx, "nex-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 8.0, got)

	lists.mu.Lock()
	assert.Equal(t, time.Hour, lists.ttl["okeanos:run-test:rank:1"])
	lists.mu.Unlock()
}

func TestRedisTransportAbort(t *testing.T) {
	lists := newMockLists()
	cfg := RedisConfig{RunID: testRun, PollTimeout: 20 * time.Millisecond}
	t0, _ := NewRedisTransport(lists, cfg, nil)
	t1, _ := NewRedisTransport(lists, cfg, nil)
	e0, e1 := exchangePair(t, t0, t1)

	e1.Abort(context.Background(), errors.New("bad forcing"))
	_, err := e1.Receive(context.Background(), "nex-1", 0)
	assert.ErrorIs(t, err, okerrors.ErrRunAborted)

	assert.Eventually(t, func() bool {
		e0.mu.Lock()
		defer e0.mu.Unlock()
		return e0.aborted != nil
	}, time.Second, 10*time.Millisecond)
}

func TestRedisTransportCloseStopsPolling(t *testing.T) {
	tr, err := NewRedisTransport(newMockLists(), RedisConfig{RunID: testRun, PollTimeout: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background(), 0, func(Message) {}))
	assert.Error(t, tr.Start(context.Background(), 0, func(Message) {}))

	closed := make(chan struct{})
	go func() {
		_ = tr.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked on poll loop")
	}

	assert.Equal(t, "hydro:r:rank:2", Key("hydro", "r", 2))
	_, err = NewRedisTransport(nil, RedisConfig{RunID: "r"}, nil)
	assert.Error(t, err)
}
