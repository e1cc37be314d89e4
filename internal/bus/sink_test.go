package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	event   Event
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.msgs = append(f.msgs, published{subject: subject, event: ev})
	return nil
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func runSink(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSinkPublishesPresenceAndMessages(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSink(pub, "node-a", "chat", nil)
	runSink(t, s)

	s.UserOnline("alice")
	s.MessageRelayed("bob", []byte(`{"recipientId":"bob","text":"hi"}`), true)
	s.UserOffline("alice")

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := pub.snapshot()

	assert.Equal(t, "chat.presence", msgs[0].subject)
	assert.Equal(t, TypeOnline, msgs[0].event.Type)
	assert.Equal(t, "alice", msgs[0].event.UserID)
	assert.Equal(t, "node-a", msgs[0].event.Node)

	assert.Equal(t, "chat.message", msgs[1].subject)
	assert.Equal(t, TypeMessage, msgs[1].event.Type)
	assert.Equal(t, "bob", msgs[1].event.RecipientID)
	assert.True(t, msgs[1].event.Delivered)
	assert.JSONEq(t, `{"recipientId":"bob","text":"hi"}`, string(msgs[1].event.Payload))

	assert.Equal(t, "chat.presence", msgs[2].subject)
	assert.Equal(t, TypeOffline, msgs[2].event.Type)
}

func TestSinkCopiesPayload(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSink(pub, "node-a", "chat", nil)

	buf := []byte(`{"recipientId":"bob"}`)
	s.MessageRelayed("bob", buf, false)
	copy(buf, []byte(`XXXXXXXXXXXXXXXXXXXXX`))

	runSink(t, s)
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	msg := pub.snapshot()[0]
	assert.False(t, msg.event.Delivered)
	assert.JSONEq(t, `{"recipientId":"bob"}`, string(msg.event.Payload))
}

func TestSinkIgnoresPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	s := NewSink(pub, "node-a", "chat", nil)
	runSink(t, s)

	assert.NotPanics(t, func() {
		s.UserOnline("alice")
		s.UserOffline("alice")
	})
}

// TestConnectToleratesUnreachableServer checks that a NATS server that is
// down at startup degrades to background reconnects instead of an error.
func TestConnectToleratesUnreachableServer(t *testing.T) {
	nc, err := Connect("nats://127.0.0.1:1", "chatrelay-test", nil)
	require.NoError(t, err)
	require.NotNil(t, nc)
	defer nc.Close()

	assert.False(t, nc.IsConnected())
}
