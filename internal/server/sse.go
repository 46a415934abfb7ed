package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// keepAliveEvery is how often an idle stream emits a comment frame so
// proxies between the daemon and the dashboard keep the connection open.
const keepAliveEvery = 15 * time.Second

// sseStream writes server-sent events for one in-flight operation. Frames
// are `data: <JSON>\n\n`; comment frames keep the connection alive during
// quiet subprocess phases. One stream serves one client; there is no replay.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu   sync.Mutex
	stop chan struct{}
	done sync.WaitGroup
}

// startSSE upgrades the response to an event stream. The returned stream has
// its keepalive ticker running; callers must Close it before returning.
func startSSE(w http.ResponseWriter, r *http.Request) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Streams outlive the server's write timeout on purpose: an update can
	// legitimately take minutes between frames.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	s := &sseStream{w: w, flusher: flusher, stop: make(chan struct{})}
	s.done.Add(1)
	go s.keepAlive(r)
	return s, true
}

// Send writes one data frame. Write errors are ignored: a vanished client
// must not abort the operation it was watching.
func (s *sseStream) Send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(b)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *sseStream) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write([]byte(": " + text + "\n\n"))
	s.flusher.Flush()
}

func (s *sseStream) keepAlive(r *http.Request) {
	defer s.done.Done()
	t := time.NewTicker(keepAliveEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-r.Context().Done():
			return
		case <-t.C:
			s.comment("keepalive")
		}
	}
}

// Close stops the keepalive ticker. The connection itself is closed by the
// handler returning, which is the stream's terminal signal to the client.
func (s *sseStream) Close() {
	close(s.stop)
	s.done.Wait()
}
