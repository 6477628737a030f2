package events

import (
	"testing"

	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFiltersByCampaign(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	defer b.Close()

	c1, unsub1 := b.Subscribe("c1", 4)
	defer unsub1()
	all, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(types.GraphEvent{Type: types.EventTaskStarted, CampaignID: "c1", NodeID: "a"})
	b.Publish(types.GraphEvent{Type: types.EventTaskStarted, CampaignID: "c2", NodeID: "b"})

	evt := <-c1
	assert.Equal(t, "a", evt.NodeID)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Empty(t, c1)

	assert.Equal(t, "a", (<-all).NodeID)
	assert.Equal(t, "b", (<-all).NodeID)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	ch, unsub := b.Subscribe("c1", 1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(types.GraphEvent{Type: types.EventTaskStarted, CampaignID: "c1"})
	}
	require.Len(t, ch, 1)
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	ch, unsub := b.Subscribe("c1", 1)
	require.Equal(t, 1, b.Subscribers())

	unsub()
	unsub()
	_, open := <-ch
	require.False(t, open)
	require.Zero(t, b.Subscribers())

	b.Publish(types.GraphEvent{Type: types.EventTaskStarted, CampaignID: "c1"})
}

func TestBusClose(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	ch, unsub := b.Subscribe("", 1)
	b.Close()
	_, open := <-ch
	require.False(t, open)
	unsub()

	late, _ := b.Subscribe("", 1)
	_, open = <-late
	require.False(t, open)
}

func TestRecorderAndMulti(t *testing.T) {
	t.Parallel()

	var r1, r2 Recorder
	m := Multi{&r1, &r2, Discard}
	m.Publish(types.GraphEvent{Type: types.EventGraphCompleted})
	m.Publish(types.GraphEvent{Type: types.EventGraphFailed})

	assert.Equal(t, []types.EventType{types.EventGraphCompleted, types.EventGraphFailed}, r1.Types())
	assert.Len(t, r2.Events(), 2)
}
