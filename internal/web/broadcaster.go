package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEvent is one log line sent to SSE clients.
type LogEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// LogBroadcaster fans log lines out to SSE clients.
type LogBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewLogBroadcaster creates an empty broadcaster.
func NewLogBroadcaster() *LogBroadcaster {
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of encoded events and its cleanup function.
// The caller must call cleanup when the client goes away.
func (b *LogBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *LogBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends {"t":...,"l":level,"msg":msg} to every subscriber.
// A client whose buffer is full misses the message.
func (b *LogBroadcaster) Broadcast(level, msg string) {
	data, err := json.Marshal(LogEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Writer returns an io.Writer that broadcasts each written log line, for
// use with debug.SetOutput.
func (b *LogBroadcaster) Writer() *LogWriter {
	return &LogWriter{b: b}
}

// LogWriter adapts a LogBroadcaster to io.Writer.
type LogWriter struct {
	b *LogBroadcaster
}

func (w *LogWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.b.Broadcast(levelOf(line), line)
		}
	}
	return len(p), nil
}

// levelOf maps the debug package's line tags to an SSE level.
func levelOf(line string) string {
	for _, tag := range []struct{ tag, level string }{
		{"[ERROR]", "error"},
		{"[LIVE]", "live"},
		{"[VERBOSE]", "verbose"},
		{"[TRACE]", "trace"},
	} {
		if strings.Contains(line, tag.tag) {
			return tag.level
		}
	}
	return "info"
}
