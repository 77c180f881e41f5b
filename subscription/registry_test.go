package subscription

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httpnotify/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func sessionKeys(sessions []ClientSession) []string {
	result := []string{}
	for _, session := range sessions {
		result = append(result, session.ClientKey)
	}
	sort.Strings(result)
	return result
}

func TestSessionRegistryBasic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := common.NewManualClock(time.Now())
	uut, err := DefineSessionRegistry("unit-test", DefaultActivityTimeout, clock)
	assert.Nil(err)

	// Case 0: invalid timeout
	{
		_, err := DefineSessionRegistry("unit-test", 0, clock)
		assert.NotNil(err)
	}

	// Case 1: unknown client
	{
		_, ok := uut.Get(uuid.NewString())
		assert.False(ok)
		_, ok = uut.Remove(uuid.NewString())
		assert.False(ok)
		assert.Equal(0, uut.Count())
		assert.Empty(uut.GetAll())
	}

	// Case 2: register a client
	client2 := uuid.NewString()
	principal2 := uuid.NewString()
	{
		uut.Register(client2, principal2)
		session, ok := uut.Get(client2)
		assert.True(ok)
		assert.Equal(client2, session.ClientKey)
		assert.Equal(principal2, session.Principal)
		assert.Equal(session.ConnectedAt, session.LastActivity)
		assert.Equal(clock.Now(), session.ConnectedAt)
		assert.Empty(session.Subscriptions)
		assert.Equal(1, uut.Count())
	}

	// Case 3: update activity
	{
		clock.Advance(time.Second * 10)
		uut.UpdateActivity(client2)
		session, ok := uut.Get(client2)
		assert.True(ok)
		assert.Equal(clock.Now(), session.LastActivity)
		assert.Equal(time.Second*10, session.LastActivity.Sub(session.ConnectedAt))
	}

	// Case 4: re-register replaces the whole session
	{
		uut.Subscribe(client2, []string{"posts"})
		clock.Advance(time.Second)
		newPrincipal := uuid.NewString()
		uut.Register(client2, newPrincipal)
		session, ok := uut.Get(client2)
		assert.True(ok)
		assert.Equal(newPrincipal, session.Principal)
		assert.Equal(clock.Now(), session.ConnectedAt)
		assert.Equal(session.ConnectedAt, session.LastActivity)
		assert.Empty(session.Subscriptions)
		assert.Equal(1, uut.Count())
	}

	// Case 5: remove
	{
		session, ok := uut.Remove(client2)
		assert.True(ok)
		assert.Equal(client2, session.ClientKey)
		_, ok = uut.Get(client2)
		assert.False(ok)
		assert.Equal(0, uut.Count())
		_, ok = uut.Remove(client2)
		assert.False(ok)
	}
}

func TestSessionRegistryUnknownClientNoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSessionRegistry("unit-test", DefaultActivityTimeout, nil)
	assert.Nil(err)

	known := uuid.NewString()
	uut.Register(known, "p")

	unknown := uuid.NewString()
	uut.UpdateActivity(unknown)
	uut.Subscribe(unknown, []string{"posts"})
	uut.Unsubscribe(unknown, []string{"posts"})

	// Commands for the unknown client create nothing, and do not touch the others
	assert.Equal(1, uut.Count())
	_, ok := uut.Get(unknown)
	assert.False(ok)
	session, ok := uut.Get(known)
	assert.True(ok)
	assert.Empty(session.Subscriptions)
}

func TestSessionRegistryConnectionOwnership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSessionRegistry("unit-test", DefaultActivityTimeout, nil)
	assert.Nil(err)

	clientKey := uuid.NewString()

	// Case 0: session bound to a connection
	{
		uut.RegisterConnection(clientKey, "p", "conn-1")
		session, ok := uut.Get(clientKey)
		assert.True(ok)
		assert.Equal("conn-1", session.ConnectionID)
	}

	// Case 1: reconnect, the old connection can no longer remove the session
	{
		uut.RegisterConnection(clientKey, "p", "conn-2")
		_, ok := uut.RemoveConnection(clientKey, "conn-1")
		assert.False(ok)
		session, ok := uut.Get(clientKey)
		assert.True(ok)
		assert.Equal("conn-2", session.ConnectionID)
	}

	// Case 2: the current connection removes it
	{
		session, ok := uut.RemoveConnection(clientKey, "conn-2")
		assert.True(ok)
		assert.Equal(clientKey, session.ClientKey)
		assert.Equal(0, uut.Count())
		_, ok = uut.RemoveConnection(clientKey, "conn-2")
		assert.False(ok)
	}

	// Case 3: plain registration carries no connection
	{
		uut.Register(clientKey, "p")
		session, _ := uut.Get(clientKey)
		assert.Empty(session.ConnectionID)
		_, ok := uut.RemoveConnection(clientKey, "conn-2")
		assert.False(ok)
		_, ok = uut.RemoveConnection(clientKey, "")
		assert.True(ok)
	}
}

func TestSessionRegistrySubscriptions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSessionRegistry("unit-test", DefaultActivityTimeout, nil)
	assert.Nil(err)

	clientA := "A"
	uut.Register(clientA, "p")

	// Case 0: duplicates within a single call
	{
		uut.Subscribe(clientA, []string{"posts", "posts"})
		session, ok := uut.Get(clientA)
		assert.True(ok)
		assert.Equal([]string{"posts"}, session.Subscriptions)
	}

	// Case 1: overlapping calls
	{
		uut.Subscribe(clientA, []string{"posts", "comments"})
		uut.Subscribe(clientA, []string{"comments", "users", "posts"})
		session, ok := uut.Get(clientA)
		assert.True(ok)
		assert.ElementsMatch([]string{"posts", "comments", "users"}, session.Subscriptions)
	}

	// Case 2: unsubscribe exactly the named collections
	{
		uut.Unsubscribe(clientA, []string{"comments", "not-subscribed"})
		session, ok := uut.Get(clientA)
		assert.True(ok)
		assert.ElementsMatch([]string{"posts", "users"}, session.Subscriptions)
	}

	// Case 3: unsubscribe from everything returns to wildcard
	{
		uut.Unsubscribe(clientA, []string{"posts", "users"})
		session, ok := uut.Get(clientA)
		assert.True(ok)
		assert.Empty(session.Subscriptions)
		assert.Equal([]string{clientA}, sessionKeys(uut.GetSubscribers("anything")))
	}

	// Case 4: returned sessions are copies
	{
		uut.Subscribe(clientA, []string{"posts"})
		session, ok := uut.Get(clientA)
		assert.True(ok)
		session.Subscriptions[0] = "tampered"
		session.Subscriptions = append(session.Subscriptions, "more")
		for _, s := range uut.GetAll() {
			s.Subscriptions[0] = "tampered"
		}
		session, ok = uut.Get(clientA)
		assert.True(ok)
		assert.Equal([]string{"posts"}, session.Subscriptions)
	}
}

func TestSessionRegistryGetSubscribers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSessionRegistry("unit-test", DefaultActivityTimeout, nil)
	assert.Nil(err)

	// Case 0: empty registry
	assert.Empty(uut.GetSubscribers("posts"))

	uut.Register("wildcard", "p")
	uut.Register("posts-only", "p")
	uut.Subscribe("posts-only", []string{"posts"})
	uut.Register("comments-only", "p")
	uut.Subscribe("comments-only", []string{"comments"})

	// Case 1: posts
	assert.Equal(
		[]string{"posts-only", "wildcard"}, sessionKeys(uut.GetSubscribers("posts")),
	)

	// Case 2: comments
	assert.Equal(
		[]string{"comments-only", "wildcard"}, sessionKeys(uut.GetSubscribers("comments")),
	)

	// Case 3: nobody subscribed explicitly
	assert.Equal([]string{"wildcard"}, sessionKeys(uut.GetSubscribers("users")))
}

func TestSessionRegistryStats(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := common.NewManualClock(time.Now())
	uut, err := DefineSessionRegistry("unit-test", time.Minute*5, clock)
	assert.Nil(err)
	assert.Equal(time.Minute*5, uut.ActivityTimeout())

	// Case 0: empty
	assert.Equal(ClientStats{}, uut.Stats())

	// Case 1: some sessions
	uut.Register("A", "p")
	uut.Subscribe("A", []string{"posts", "comments"})
	uut.Register("B", "p")
	uut.Subscribe("B", []string{"posts"})
	uut.Register("C", "p")
	assert.Equal(
		ClientStats{TotalClients: 3, ActiveSessions: 3, TotalSubscriptions: 3}, uut.Stats(),
	)

	// Case 2: exactly at the timeout, a session is no longer active
	clock.Advance(time.Minute * 5)
	uut.UpdateActivity("B")
	assert.Equal(
		ClientStats{TotalClients: 3, ActiveSessions: 1, TotalSubscriptions: 3}, uut.Stats(),
	)

	// Case 3: sessions with activity in the future count as active
	uut.Register("D", "p")
	clock.Advance(-time.Minute)
	assert.Equal(
		ClientStats{TotalClients: 4, ActiveSessions: 4, TotalSubscriptions: 3}, uut.Stats(),
	)
}

func TestSessionRegistryConcurrentAccess(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	uut, err := DefineSessionRegistry("unit-test", DefaultActivityTimeout, nil)
	assert.Nil(err)

	workers := 8
	perWorker := 50
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for itr := 0; itr < perWorker; itr++ {
				key := fmt.Sprintf("client-%d-%d", worker, itr)
				uut.Register(key, "p")
				uut.Subscribe(key, []string{"posts", "comments", "posts"})
				uut.UpdateActivity(key)
				_ = uut.GetSubscribers("posts")
				uut.Unsubscribe(key, []string{"comments"})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(workers*perWorker, uut.Count())
	for _, session := range uut.GetAll() {
		assert.Equal([]string{"posts"}, session.Subscriptions)
	}
}
