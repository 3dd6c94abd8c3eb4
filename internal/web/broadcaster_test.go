package web

import (
	"encoding/json"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan string) LogEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt LogEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return LogEvent{}
}

func TestLogBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewLogBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("live", "hello")

	evt := receive(t, ch)
	if evt.Msg != "hello" || evt.Level != "live" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Time == "" {
		t.Error("event should have a timestamp")
	}
}

func TestLogBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewLogBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	if b.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", b.Clients())
	}
	b.Broadcast("info", "multi")
	for i, ch := range []<-chan string{ch1, ch2} {
		if evt := receive(t, ch); evt.Msg != "multi" {
			t.Errorf("subscriber %d: msg = %q", i, evt.Msg)
		}
	}
}

func TestLogBroadcaster_Unsubscribe(t *testing.T) {
	b := NewLogBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", b.Clients())
	}
	b.Broadcast("info", "after unsub")
}

func TestLogBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewLogBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 64; i++ {
		b.Broadcast("info", "fill")
	}
	b.Broadcast("info", "overflow")

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != 64 {
		t.Errorf("expected 64 buffered messages, got %d", count)
	}
}

func TestLogWriter(t *testing.T) {
	b := NewLogBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := b.Writer()
	in := "[Gimbal] 12:00:00 [LIVE] Mode manual -> auto\n  \n[Gimbal] 12:00:01 [ERROR] boom\n"
	n, err := w.Write([]byte(in))
	if err != nil || n != len(in) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	first := receive(t, ch)
	if first.Level != "live" || first.Msg != "[Gimbal] 12:00:00 [LIVE] Mode manual -> auto" {
		t.Errorf("first event = %+v", first)
	}
	if second := receive(t, ch); second.Level != "error" {
		t.Errorf("second event level = %q, want error", second.Level)
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected event for a blank line: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLevelOf(t *testing.T) {
	cases := map[string]string{
		"[INFO] started":      "info",
		"[VERBOSE] Step 1: x": "verbose",
		"[TRACE] tick 4":      "trace",
		"plain":               "info",
	}
	for line, want := range cases {
		if got := levelOf(line); got != want {
			t.Errorf("levelOf(%q) = %q, want %q", line, got, want)
		}
	}
}
