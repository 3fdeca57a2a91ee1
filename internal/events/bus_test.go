package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestLocalBusTypedSubscription(t *testing.T) {
	bus := NewLocalBus()
	ch := bus.Subscribe(TaskDelivered)
	defer bus.Unsubscribe(ch)

	bus.Publish(New(TaskCreated, "tk_1", "ag_p", ""))
	bus.Publish(New(TaskDelivered, "tk_1", "ag_p", "ag_w"))

	e := receive(t, ch)
	assert.Equal(t, TaskDelivered, e.Type)
	assert.Equal(t, "tk_1", e.TaskID)
	assert.Equal(t, "ag_w", e.WorkerID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestLocalBusAllEvents(t *testing.T) {
	bus := NewLocalBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish(New(TaskCreated, "tk_1", "ag_p", ""))
	bus.Publish(New(TaskApproved, "tk_1", "ag_p", "ag_w"))

	assert.Equal(t, TaskCreated, receive(t, ch).Type)
	assert.Equal(t, TaskApproved, receive(t, ch).Type)
}

func TestLocalBusFullChannelDoesNotBlock(t *testing.T) {
	bus := NewLocalBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TaskCreated)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(New(TaskCreated, "tk_x", "ag_p", ""))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	bus.Unsubscribe(ch)
}

func TestUnsubscribeRemovesCount(t *testing.T) {
	bus := NewLocalBus()
	ch1 := bus.Subscribe(TaskCreated)
	ch2 := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Unsubscribe(ch1)
	assert.Equal(t, 1, bus.SubscriberCount())
	bus.Unsubscribe(ch2)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestEventEnvelope(t *testing.T) {
	e := New(TaskClaimed, "tk_9", "ag_p", "ag_w")
	require.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())

	data, err := e.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task.claimed"`)
	assert.Contains(t, string(data), `"tk_9"`)
}
