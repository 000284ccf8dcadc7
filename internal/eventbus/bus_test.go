package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdhub/pkg/types"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("sub-1", "contract.rb2601")
	defer sub.Close()

	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "contract.rb2601"})

	done := make(chan struct{})
	ev, ok := sub.Next(done)
	require.True(t, ok)
	assert.Equal(t, types.EventTickIngressed, ev.Type)
}

func TestWildcardReceivesEveryTopic(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("wild", "*")
	defer sub.Close()

	b.Publish(types.Event{Type: types.EventSystemLog, Topic: "account.acc-1"})
	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "contract.au2512"})

	done := make(chan struct{})
	first, ok := sub.Next(done)
	require.True(t, ok)
	assert.Equal(t, types.EventSystemLog, first.Type)

	second, ok := sub.Next(done)
	require.True(t, ok)
	assert.Equal(t, types.EventTickIngressed, second.Type)
}

func TestOverflowDropsOldestNotNewest(t *testing.T) {
	b := New(2)
	sub := b.Subscribe("slow", "topic")
	defer sub.Close()

	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "topic", CorrelationID: "1"})
	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "topic", CorrelationID: "2"})
	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "topic", CorrelationID: "3"})

	assert.Equal(t, int64(1), b.DroppedTotal())

	done := make(chan struct{})
	first, ok := sub.Next(done)
	require.True(t, ok)
	assert.Equal(t, "2", first.CorrelationID, "oldest entry (1) should have been evicted")

	second, ok := sub.Next(done)
	require.True(t, ok)
	assert.Equal(t, "3", second.CorrelationID)
}

func TestCloseUnsubscribesAndWakesReader(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("closer", "topic")

	done := make(chan struct{})
	resultCh := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(done)
		resultCh <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case ok := <-resultCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Close")
	}

	assert.Equal(t, Stats{Topics: 0, Subscribers: 0, DroppedTotal: 0}, b.Stats())
}

func TestOnDropCallback(t *testing.T) {
	b := New(1)
	var droppedID string
	b.OnDrop(func(id string) { droppedID = id })

	sub := b.Subscribe("watched", "topic")
	defer sub.Close()

	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "topic"})
	b.Publish(types.Event{Type: types.EventTickIngressed, Topic: "topic"})

	assert.Equal(t, "watched", droppedID)
}
