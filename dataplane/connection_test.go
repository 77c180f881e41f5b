package dataplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// readServerMessage parse a message written to a client
func readServerMessage(t *testing.T, raw []byte) (common.ServerMessage, map[string]interface{}) {
	var msg common.ServerMessage
	assert.Nil(t, json.Unmarshal(raw, &msg))
	payload, _ := msg.Payload.(map[string]interface{})
	return msg, payload
}

// serveTestConnection serve a client connection in the background, and wait until the
// connection owns the client's session
func serveTestConnection(
	t *testing.T,
	ctxt context.Context,
	uut ConnectionHandler,
	registry subscription.SessionRegistry,
	clientKey string,
	conn *fakeConnection,
) chan error {
	previous, _ := registry.Get(clientKey)
	result := make(chan error, 1)
	go func() {
		result <- uut.Serve(ctxt, common.ConnectionParam{ClientKey: clientKey, Principal: "p"}, conn)
	}()
	assert.Eventually(t, func() bool {
		session, ok := registry.Get(clientKey)
		return ok && session.ConnectionID != "" && session.ConnectionID != previous.ConnectionID
	}, time.Second, time.Millisecond*5)
	return result
}

// waitForServeEnd wait for the serving of a connection to return
func waitForServeEnd(t *testing.T, result chan error) {
	select {
	case err := <-result:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		assert.Fail(t, "connection serving did not end")
	}
}

func TestConnectionHandlerCommands(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := common.NewManualClock(time.Now())
	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, clock,
	)
	assert.Nil(err)
	gateway, err := DefineWebSocketGateway("unit-test", ctxt, &wg, getTestGatewayConfig())
	assert.Nil(err)
	assert.Nil(gateway.Init())
	defer gateway.Shutdown()
	uut, err := DefineConnectionHandler("unit-test", registry, gateway, clock)
	assert.Nil(err)

	conn := newFakeConnection()
	assert.Nil(gateway.Attach("A", "conn-a", conn))

	waitForMessages := func(count int) [][]byte {
		assert.Eventually(func() bool {
			return len(conn.messages()) >= count
		}, time.Second, time.Millisecond*5)
		return conn.messages()
	}

	// Case 0: open
	{
		uut.OnOpen(ctxt, "A", "principal-a")
		session, ok := registry.Get("A")
		assert.True(ok)
		assert.Equal("principal-a", session.Principal)
		assert.Empty(session.Subscriptions)
		msgs := waitForMessages(1)
		msg, payload := readServerMessage(t, msgs[0])
		assert.Equal(common.MessageTypeWelcome, msg.Type)
		assert.Equal("A", payload["client_key"])
		assert.Equal(common.ServerName, payload["server"])
		assert.Equal(common.ServerVersion, payload["version"])
	}

	// Case 1: subscribe, activity is updated
	{
		clock.Advance(time.Minute)
		uut.OnMessage(ctxt, "A", []byte(`{"command":"subscribe","collections":["posts","users"]}`))
		session, ok := registry.Get("A")
		assert.True(ok)
		assert.ElementsMatch([]string{"posts", "users"}, session.Subscriptions)
		assert.Equal(clock.Now(), session.LastActivity)
	}

	// Case 2: unsubscribe
	{
		uut.OnMessage(ctxt, "A", []byte(`{"command":"unsubscribe","collections":["users"]}`))
		session, _ := registry.Get("A")
		assert.Equal([]string{"posts"}, session.Subscriptions)
	}

	// Case 3: text shorthands
	{
		uut.OnMessage(ctxt, "A", []byte("subscribe:comments"))
		session, _ := registry.Get("A")
		assert.ElementsMatch([]string{"posts", "comments"}, session.Subscriptions)
		uut.OnMessage(ctxt, "A", []byte("unsubscribe:posts"))
		session, _ = registry.Get("A")
		assert.Equal([]string{"comments"}, session.Subscriptions)
	}

	// Case 4: ping
	{
		uut.OnMessage(ctxt, "A", []byte(`{"command":"ping"}`))
		msgs := waitForMessages(2)
		msg, _ := readServerMessage(t, msgs[1])
		assert.Equal(common.MessageTypePong, msg.Type)
		assert.Equal(common.TimestampNano(clock.Now()), msg.Timestamp)
	}

	// Case 5: subscribe without collections
	{
		uut.OnMessage(ctxt, "A", []byte(`{"command":"subscribe"}`))
		msgs := waitForMessages(3)
		msg, payload := readServerMessage(t, msgs[2])
		assert.Equal(common.MessageTypeError, msg.Type)
		assert.Equal("Missing collections", payload["error"])
		session, _ := registry.Get("A")
		assert.Equal([]string{"comments"}, session.Subscriptions)
	}

	// Case 6: unknown command
	{
		uut.OnMessage(ctxt, "A", []byte(`{"command":"dance"}`))
		msgs := waitForMessages(4)
		msg, payload := readServerMessage(t, msgs[3])
		assert.Equal(common.MessageTypeError, msg.Type)
		assert.Equal("Unknown command: dance", payload["error"])
	}

	// Case 7: malformed input is answered, never fatal
	{
		uut.OnMessage(ctxt, "A", []byte(`{"command":`))
		msgs := waitForMessages(5)
		msg, payload := readServerMessage(t, msgs[4])
		assert.Equal(common.MessageTypeError, msg.Type)
		assert.Contains(payload["error"], "Invalid JSON")

		uut.OnMessage(ctxt, "A", []byte{0xff, 0xfe, 0xfd})
		msgs = waitForMessages(6)
		msg, payload = readServerMessage(t, msgs[5])
		assert.Equal(common.MessageTypeError, msg.Type)
		assert.Contains(payload["error"], "Invalid UTF-8")

		_, ok := registry.Get("A")
		assert.True(ok)
	}

	// Case 8: messages from an unknown client change nothing
	{
		uut.OnMessage(ctxt, "B", []byte("subscribe:posts"))
		_, ok := registry.Get("B")
		assert.False(ok)
	}

	// Case 9: close
	{
		uut.OnClose(ctxt, "A")
		_, ok := registry.Get("A")
		assert.False(ok)
		assert.Equal(0, registry.Count())
	}
}

func TestConnectionHandlerServe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, nil,
	)
	assert.Nil(err)
	gateway, err := DefineWebSocketGateway("unit-test", ctxt, &wg, getTestGatewayConfig())
	assert.Nil(err)
	assert.Nil(gateway.Init())
	defer gateway.Shutdown()
	uut, err := DefineConnectionHandler("unit-test", registry, gateway, nil)
	assert.Nil(err)

	// Case 0: connection lifecycle
	{
		conn := newFakeConnection()
		result := serveTestConnection(t, ctxt, uut, registry, "A", conn)
		assert.Equal(1, gateway.Connections())

		conn.incoming <- []byte("subscribe:posts")
		assert.Eventually(func() bool {
			session, ok := registry.Get("A")
			return ok && len(session.Subscriptions) == 1
		}, time.Second, time.Millisecond*5)

		// Client hangs up
		assert.Nil(conn.Close())
		waitForServeEnd(t, result)
		_, ok := registry.Get("A")
		assert.False(ok)
		assert.Equal(0, gateway.Connections())
	}

	// Case 1: a reconnect keeps the new session when the old connection ends
	{
		conn1 := newFakeConnection()
		result1 := serveTestConnection(t, ctxt, uut, registry, "A", conn1)
		session1, _ := registry.Get("A")
		conn2 := newFakeConnection()
		result2 := serveTestConnection(t, ctxt, uut, registry, "A", conn2)

		// Attaching the second connection closed the first one
		waitForServeEnd(t, result1)
		session, ok := registry.Get("A")
		assert.True(ok)
		assert.NotEqual(session1.ConnectionID, session.ConnectionID)
		assert.Equal(1, gateway.Connections())

		// The gateway dropping the client ends the serving
		gateway.Disconnect("A")
		waitForServeEnd(t, result2)
		_, ok = registry.Get("A")
		assert.False(ok)
	}
}

// reconnectingCloser has the client reconnect right before its stale connection is closed
type reconnectingCloser struct {
	gateway   WebSocketGateway
	reconnect func(clientKey string)
}

func (c *reconnectingCloser) DisconnectConnection(clientKey, connectionID string) bool {
	c.reconnect(clientKey)
	return c.gateway.DisconnectConnection(clientKey, connectionID)
}

func TestConnectionHandlerReapThenReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := common.NewManualClock(time.Now())
	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, clock,
	)
	assert.Nil(err)
	gateway, err := DefineWebSocketGateway("unit-test", ctxt, &wg, getTestGatewayConfig())
	assert.Nil(err)
	assert.Nil(gateway.Init())
	defer gateway.Shutdown()
	uut, err := DefineConnectionHandler("unit-test", registry, gateway, clock)
	assert.Nil(err)

	stale := newFakeConnection()
	staleResult := serveTestConnection(t, ctxt, uut, registry, "A", stale)
	staleSession, _ := registry.Get("A")

	fresh := newFakeConnection()
	var freshResult chan error
	closer := &reconnectingCloser{
		gateway: gateway,
		reconnect: func(clientKey string) {
			freshResult = serveTestConnection(t, ctxt, uut, registry, clientKey, fresh)
		},
	}
	reaper, err := subscription.DefineStaleReaper("unit-test", registry, closer)
	assert.Nil(err)

	// The client goes silent, and reconnects while its session is being reaped
	clock.Advance(time.Minute * 6)
	assert.Equal(1, reaper.CleanupStale())
	waitForServeEnd(t, staleResult)
	assert.True(stale.isClosed())

	// The reconnected client is untouched
	assert.False(fresh.isClosed())
	session, ok := registry.Get("A")
	assert.True(ok)
	assert.NotEqual(staleSession.ConnectionID, session.ConnectionID)
	assert.Equal(1, gateway.Connections())
	assert.True(gateway.QueueMessage("A", []byte("still here")))
	assert.Eventually(func() bool {
		for _, msg := range fresh.messages() {
			if string(msg) == "still here" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond*5)

	// The reconnected client ends normally
	assert.Nil(fresh.Close())
	waitForServeEnd(t, freshResult)
	_, ok = registry.Get("A")
	assert.False(ok)
}
