package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/mocks"
	"github.com/alwitt/httpnotify/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func defineTestNotification(collection string) common.Notification {
	return common.Notification{
		Type:       "doc_set",
		Collection: collection,
		Key:        uuid.NewString(),
		Caller:     uuid.NewString(),
		Timestamp:  common.TimestampNano(time.Now()),
	}
}

func TestBroadcastNoRecipients(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, nil,
	)
	assert.Nil(err)
	gateway := mocks.NewDeliveryGateway(t)
	uut, err := DefineBroadcastRouter("unit-test", registry, gateway)
	assert.Nil(err)

	ctxt := context.Background()

	// Case 0: empty registry
	{
		count, err := uut.Broadcast(ctxt, defineTestNotification("posts"))
		assert.Nil(err)
		assert.Equal(0, count)
	}

	// Case 1: no session matches
	{
		registry.Register("B", "p")
		registry.Subscribe("B", []string{"posts"})
		count, err := uut.Broadcast(ctxt, defineTestNotification("comments"))
		assert.Nil(err)
		assert.Equal(0, count)
	}

	// Case 2: invalid notification
	{
		notification := defineTestNotification("posts")
		notification.Collection = ""
		_, err := uut.Broadcast(ctxt, notification)
		assert.NotNil(err)
		notification = defineTestNotification("posts")
		notification.Type = ""
		_, err = uut.Broadcast(ctxt, notification)
		assert.NotNil(err)
	}

	gateway.AssertNotCalled(t, "IsReady")
	gateway.AssertNotCalled(t, "QueueMessage", mock.Anything, mock.Anything)
}

func TestBroadcastMatchingRecipients(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, nil,
	)
	assert.Nil(err)
	gateway := mocks.NewDeliveryGateway(t)
	uut, err := DefineBroadcastRouter("unit-test", registry, gateway)
	assert.Nil(err)

	registry.Register("A", "p")
	registry.Register("B", "p")
	registry.Subscribe("B", []string{"posts"})

	notification := defineTestNotification("comments")
	expectedPayload, err := json.Marshal(&notification)
	assert.Nil(err)

	gateway.On("IsReady").Return(true)
	gateway.On("QueueMessage", "A", expectedPayload).Return(true).Once()

	// Case 0: only the wildcard client receives "comments"
	{
		count, err := uut.Broadcast(context.Background(), notification)
		assert.Nil(err)
		assert.Equal(1, count)
		gateway.AssertNotCalled(t, "QueueMessage", "B", mock.Anything)

		subscribers := registry.GetSubscribers("comments")
		assert.Len(subscribers, 1)
		assert.Equal("A", subscribers[0].ClientKey)
	}

	// Case 1: both clients receive "posts", and both receive the same bytes
	{
		notification := defineTestNotification("posts")
		payloads := map[string][]byte{}
		lock := sync.Mutex{}
		gateway.On("QueueMessage", mock.Anything, mock.Anything).Return(true).Run(
			func(args mock.Arguments) {
				lock.Lock()
				defer lock.Unlock()
				payloads[args.String(0)] = args.Get(1).([]byte)
			},
		).Twice()
		count, err := uut.Broadcast(context.Background(), notification)
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Len(payloads, 2)
		assert.Equal(payloads["A"], payloads["B"])
		var parsed common.Notification
		assert.Nil(json.Unmarshal(payloads["A"], &parsed))
		assert.Equal(notification.Key, parsed.Key)
		assert.Equal("posts", parsed.Collection)
	}
}

func TestBroadcastFailureIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, nil,
	)
	assert.Nil(err)
	gateway := mocks.NewDeliveryGateway(t)
	uut, err := DefineBroadcastRouter("unit-test", registry, gateway)
	assert.Nil(err)

	registry.Register("A", "p")
	registry.Register("B", "p")
	registry.Register("C", "p")

	gateway.On("IsReady").Return(true)
	gateway.On("QueueMessage", "A", mock.Anything).Return(true).Once()
	gateway.On("QueueMessage", "B", mock.Anything).Return(false).Once()
	gateway.On("QueueMessage", "C", mock.Anything).Return(true).Once()

	// One failed recipient does not stop the others
	count, err := uut.Broadcast(context.Background(), defineTestNotification("posts"))
	assert.Nil(err)
	assert.Equal(2, count)
	gateway.AssertNumberOfCalls(t, "QueueMessage", 3)
}

func TestBroadcastGatewayNotReady(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, nil,
	)
	assert.Nil(err)
	gateway := mocks.NewDeliveryGateway(t)
	uut, err := DefineBroadcastRouter("unit-test", registry, gateway)
	assert.Nil(err)

	registry.Register("A", "p")
	gateway.On("IsReady").Return(false)

	count, err := uut.Broadcast(context.Background(), defineTestNotification("posts"))
	assert.Nil(err)
	assert.Equal(0, count)
	gateway.AssertNotCalled(t, "QueueMessage", mock.Anything, mock.Anything)
}

func TestBroadcastSerializationFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry, err := subscription.DefineSessionRegistry(
		"unit-test", subscription.DefaultActivityTimeout, nil,
	)
	assert.Nil(err)
	gateway := mocks.NewDeliveryGateway(t)
	uut, err := DefineBroadcastRouter("unit-test", registry, gateway)
	assert.Nil(err)

	registry.Register("A", "p")
	registry.Register("B", "p")
	gateway.On("IsReady").Return(true)

	// Channels can't be encoded as JSON
	notification := defineTestNotification("posts")
	notification.Data = make(chan int)
	count, err := uut.Broadcast(context.Background(), notification)
	assert.NotNil(err)
	assert.Equal(0, count)
	gateway.AssertNotCalled(t, "QueueMessage", mock.Anything, mock.Anything)
}

func TestNotificationIngest(t *testing.T) {
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
	gateway := mocks.NewDeliveryGateway(t)
	router, err := DefineBroadcastRouter("unit-test", registry, gateway)
	assert.Nil(err)

	tp, err := goutils.GetNewTaskProcessorInstance(
		ctxt, "unit-test", 4, log.Fields{"module": "dispatch_test", "instance": "unit-test"},
	)
	assert.Nil(err)
	uut, err := DefineNotificationIngest("unit-test", ctxt, tp, router)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	registry.Register("A", "p")
	registry.Subscribe("A", []string{"posts"})

	delivered := make(chan common.Notification, 4)
	gateway.On("IsReady").Return(true)
	gateway.On("QueueMessage", "A", mock.Anything).Return(true).Run(
		func(args mock.Arguments) {
			var parsed common.Notification
			assert.Nil(json.Unmarshal(args.Get(1).([]byte), &parsed))
			delivered <- parsed
		},
	)

	// Case 0: notifications are delivered in submission order
	{
		first := defineTestNotification("posts")
		second := defineTestNotification("posts")
		skipped := defineTestNotification("comments")
		for _, n := range []common.Notification{first, skipped, second} {
			useContext, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.SubmitNotification(useContext, n))
			cancel()
		}
		for _, expected := range []common.Notification{first, second} {
			select {
			case got := <-delivered:
				assert.Equal(expected.Key, got.Key)
			case <-time.After(time.Second):
				assert.Fail("notification not delivered")
			}
		}
		select {
		case got := <-delivered:
			assert.Failf("unexpected delivery", "%s", got)
		case <-time.After(time.Millisecond * 50):
		}
	}
}
