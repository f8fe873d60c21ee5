package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h, cancel
}

func receive(t *testing.T, c Client) Message {
	t.Helper()
	select {
	case m, ok := <-c:
		require.True(t, ok, "client channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func TestBroadcastReachesClients(t *testing.T) {
	h, _ := startHub(t)
	a, b := make(Client, 4), make(Client, 4)
	require.True(t, h.Register(a))
	require.True(t, h.Register(b))

	h.Broadcast(Message{Event: "state", Data: []byte(`{}`)})
	assert.Equal(t, "state", receive(t, a).Event)
	assert.Equal(t, "state", receive(t, b).Event)

	h.Unregister(a)
	_, open := <-a
	assert.False(t, open)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)
}

func TestOnAttendancePublishesJSON(t *testing.T) {
	h, _ := startHub(t)
	c := make(Client, 1)
	require.True(t, h.Register(c))

	h.OnAttendance(recognition.Event{ID: "id-1", Name: "Ana", Score: 0.9, Timestamp: "2024-01-01 09:00:00"})
	msg := receive(t, c)
	assert.Equal(t, "attendance", msg.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "Ana", payload["name"])
	assert.Equal(t, "2024-01-01 09:00:00", payload["timestamp"])
}

func TestSlowClientIsDropped(t *testing.T) {
	h, _ := startHub(t)
	slow := make(Client)
	require.True(t, h.Register(slow))

	h.Broadcast(Message{Event: "state"})
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
	_, open := <-slow
	assert.False(t, open)
}

func TestStoppedHubClosesClients(t *testing.T) {
	h, cancel := startHub(t)
	c := make(Client, 1)
	require.True(t, h.Register(c))
	cancel()

	_, open := <-c
	assert.False(t, open)
	assert.False(t, h.Register(make(Client)))
	h.Unregister(c)
}
