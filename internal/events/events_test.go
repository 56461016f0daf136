package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	b := NewBus(4)
	ch, sub := b.Subscribe()

	b.Publish(Event{Type: StateChanged, DownloadID: 1, Payload: StateChangedPayload{Version: 2}})

	ev := <-ch
	require.Equal(t, StateChanged, ev.Type)
	require.EqualValues(t, 1, ev.DownloadID)

	sub.Unsubscribe()
	_, ok := <-ch
	require.False(t, ok, "expected channel to be closed after unsubscribe")
}

func TestPublishDoesNotBlockOnFullChannel(t *testing.T) {
	b := NewBus(1)
	_, sub := b.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: DownloadProgress})
		}
		close(done)
	}()
	<-done
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	b := NewBus(4)
	ch1, sub1 := b.Subscribe()
	ch2, sub2 := b.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish(Event{Type: ChunkCompleted})

	ev1 := <-ch1
	require.Equal(t, ChunkCompleted, ev1.Type, "subscriber 1 did not receive event")
	ev2 := <-ch2
	require.Equal(t, ChunkCompleted, ev2.Type, "subscriber 2 did not receive event")
}
