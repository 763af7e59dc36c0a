package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (r *recorder) Deliver(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, string(payload))
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestHubRoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, b := &recorder{}, &recorder{}
	hub.Subscribe("agent_1080", a)
	hub.Subscribe("agent_2000", b)

	require.NoError(t, hub.Publish(context.Background(), "agent_1080", []byte("ring")))

	assert.Equal(t, []string{"ring"}, a.received())
	assert.Empty(t, b.received())
}

func TestHubBroadcastReachesEachSubscriberOnce(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, b := &recorder{}, &recorder{}
	hub.Subscribe("agent_1080", a)
	hub.Subscribe("supervisors", a)
	hub.Subscribe("agent_2000", b)

	hub.Publish(context.Background(), Broadcast, []byte("status"))

	assert.Equal(t, []string{"status"}, a.received())
	assert.Equal(t, []string{"status"}, b.received())
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := &recorder{}
	hub.Subscribe("agent_1080", a)
	hub.Subscribe("agent_1081", a)
	hub.Unsubscribe("agent_1080", a)

	hub.Publish(context.Background(), "agent_1080", []byte("one"))
	hub.Publish(context.Background(), "agent_1081", []byte("two"))
	assert.Equal(t, []string{"two"}, a.received())

	hub.UnsubscribeAll(a)
	hub.Publish(context.Background(), Broadcast, []byte("three"))
	assert.Equal(t, []string{"two"}, a.received())
	assert.Zero(t, hub.SubscriberCount("agent_1081"))
}

func TestHubDetachesGoneSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	gone := &recorder{fail: ErrSubscriberGone}
	ok := &recorder{}
	hub.Subscribe("agent_1080", gone)
	hub.Subscribe("agent_1080", ok)

	require.NoError(t, hub.Publish(context.Background(), "agent_1080", []byte("x")))
	assert.Equal(t, 1, hub.SubscriberCount("agent_1080"))
	assert.Equal(t, []string{"x"}, ok.received())
}

func TestHubSkipsFailingSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &recorder{fail: errors.New("send buffer full")}
	hub.Subscribe("agent_1080", slow)

	require.NoError(t, hub.Publish(context.Background(), "agent_1080", []byte("x")))
	assert.Equal(t, 1, hub.SubscriberCount("agent_1080"), "transient failures keep the subscription")
}

func TestHubNoSubscribersIsNoop(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.NoError(t, hub.Publish(context.Background(), "agent_9999", []byte("x")))
}

func TestMultiJoinsErrors(t *testing.T) {
	good, bad := NewMockPublisher(), NewMockPublisher()
	bad.SetError(errors.New("broker down"))

	err := Multi{bad, good}.Publish(context.Background(), "agent_1080", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, good.Messages(), 1, "a failing member must not block the others")

	require.NoError(t, Multi{good, bad}.Close())
	assert.True(t, good.Closed())
	assert.True(t, bad.Closed())
}

func TestBrokerTopicMapping(t *testing.T) {
	assert.Equal(t, "vicidial/agent_1080", MQTTTopic("vicidial", "agent_1080"))
	assert.Equal(t, "broadcast", MQTTTopic("", Broadcast))
	assert.Equal(t, "vicidial:broadcast", RedisChannel("vicidial", Broadcast))
	assert.Equal(t, "agent_1080", RedisChannel("", "agent_1080"))
}
