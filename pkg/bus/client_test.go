package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) string {
	t.Helper()
	opts := &server.Options{Port: -1}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}

type wireMsg struct {
	Value int `json:"value"`
}

func TestClient_PublishAndReceive(t *testing.T) {
	url := startTestNATSServer(t)

	c := New(nil)
	require.NoError(t, c.Connect(Config{URL: url, Name: "test-agent"}))
	defer c.Close()

	received := make(chan wireMsg, 1)
	require.NoError(t, c.RegisterMessageHandler("agent.inbox", func(subject string, payload []byte) {
		var m wireMsg
		_ = json.Unmarshal(payload, &m)
		received <- m
	}))

	require.NoError(t, c.Publish("agent.inbox", wireMsg{Value: 42}))

	select {
	case m := <-received:
		assert.Equal(t, 42, m.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestClient_RegisterReplacesPriorHandler(t *testing.T) {
	url := startTestNATSServer(t)

	c := New(nil)
	require.NoError(t, c.Connect(Config{URL: url}))
	defer c.Close()

	var mu sync.Mutex
	var firstCalls, secondCalls int

	require.NoError(t, c.RegisterMessageHandler("topic", func(string, []byte) {
		mu.Lock()
		firstCalls++
		mu.Unlock()
	}))
	require.NoError(t, c.RegisterMessageHandler("topic", func(string, []byte) {
		mu.Lock()
		secondCalls++
		mu.Unlock()
	}))

	require.NoError(t, c.Publish("topic", wireMsg{Value: 1}))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, firstCalls, "first handler was replaced, not additionally invoked")
	assert.Equal(t, 1, secondCalls)
}

func TestClient_PublishBeforeConnectFails(t *testing.T) {
	c := New(nil)
	err := c.Publish("topic", wireMsg{Value: 1})
	assert.Error(t, err)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	url := startTestNATSServer(t)

	c := New(nil)
	require.NoError(t, c.Connect(Config{URL: url}))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestClient_ConnectedReflectsState(t *testing.T) {
	url := startTestNATSServer(t)

	c := New(nil)
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(Config{URL: url}))
	defer c.Close()
	assert.True(t, c.Connected())
}
