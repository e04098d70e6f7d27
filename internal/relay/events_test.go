package relay_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/task-relay/internal/relay"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := relay.NewHub()
	ch, unsub := h.Subscribe("t1")
	defer unsub()

	h.Publish("t1", relay.Event{Event: "task_status", TaskID: "t1", Payload: map[string]any{"state": "RUNNING"}})
	h.Publish("t2", relay.Event{Event: "task_status", TaskID: "t2"})

	select {
	case b := <-ch:
		var ev relay.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		require.Equal(t, "task_status", ev.Event)
		require.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	// nothing from the other task's stream
	select {
	case b := <-ch:
		t.Fatalf("unexpected event: %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := relay.NewHub()
	ch, unsub := h.Subscribe("t1")
	unsub()
	_, open := <-ch
	require.False(t, open)
}

func TestProgressCoalescing(t *testing.T) {
	h := relay.NewHub()
	ch, unsub := h.Subscribe("t1")
	defer unsub()

	appender := h.ProgressAppender("t1")
	appender("a1", "hello ")
	appender("a1", "world")

	select {
	case b := <-ch:
		var ev relay.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		require.Equal(t, "progress", ev.Event)
		payload := ev.Payload.(map[string]any)
		require.Equal(t, "a1", payload["attempt_id"])
		require.Equal(t, "hello world", payload["chunk"])
	case <-time.After(time.Second):
		t.Fatal("no coalesced progress event")
	}

	h.StopProgressAppender("t1")
}

func TestStopProgressAppenderFlushesLeftovers(t *testing.T) {
	h := relay.NewHub()
	ch, unsub := h.Subscribe("t1")
	defer unsub()

	appender := h.ProgressAppender("t1")
	appender("a1", "tail")
	// stop before the ticker fires; the leftover must flush synchronously
	h.StopProgressAppender("t1")

	deadline := time.After(time.Second)
	for {
		select {
		case b := <-ch:
			var ev relay.Event
			require.NoError(t, json.Unmarshal(b, &ev))
			if ev.Event != "progress" {
				continue
			}
			payload := ev.Payload.(map[string]any)
			require.Equal(t, "tail", payload["chunk"])
			return
		case <-deadline:
			t.Fatal("leftover chunk never flushed")
		}
	}
}
