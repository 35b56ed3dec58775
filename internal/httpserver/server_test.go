package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"facecast/internal/framecast"
	"facecast/internal/identity"
	"facecast/internal/runtime/supervisor"
	"facecast/internal/vecmatch"
	logx "facecast/pkg/logx"
)

type fakeBroadcast struct {
	startErr error
	frames   chan []byte

	mu       sync.Mutex
	released []framecast.ConsumerID
}

func newFakeBroadcast(frames ...string) *fakeBroadcast {
	ch := make(chan []byte, len(frames))
	for _, f := range frames {
		ch <- []byte(f)
	}
	return &fakeBroadcast{frames: ch}
}

func (f *fakeBroadcast) StartOrAttach(context.Context) error { return f.startErr }

func (f *fakeBroadcast) Next(ctx context.Context, _ framecast.ConsumerID) ([]byte, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeBroadcast) Release(id framecast.ConsumerID) {
	f.mu.Lock()
	f.released = append(f.released, id)
	f.mu.Unlock()
}

func (f *fakeBroadcast) Stats() framecast.Stats {
	return framecast.Stats{Running: true, Frames: 7, Consumers: 2}
}

func (f *fakeBroadcast) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	opts.Log = logx.Nop()
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	t.Parallel()
	ids := identity.New(identity.DefaultPolicy(), nil, nil, logx.Nop())
	for i := 0; i < 3; i++ {
		if _, err := ids.Process(vecmatch.Vector{1, 1}); err != nil {
			t.Fatal(err)
		}
	}
	srv := newTestServer(t, Options{Broadcast: newFakeBroadcast(), Identities: ids})

	var health map[string]any
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz = %d %v", code, health)
	}

	var stats framecast.Stats
	if code := getJSON(t, srv.URL+"/api/broadcast", &stats); code != http.StatusOK || stats.Frames != 7 || !stats.Running {
		t.Fatalf("broadcast = %d %+v", code, stats)
	}

	var body struct {
		Clusters identity.Snapshot `json:"clusters"`
		Names    int               `json:"names"`
	}
	if code := getJSON(t, srv.URL+"/api/identities", &body); code != http.StatusOK {
		t.Fatalf("identities status = %d", code)
	}
	if len(body.Clusters.Tentative) != 1 || body.Clusters.Tentative[0].Size != 3 {
		t.Fatalf("identities = %+v", body.Clusters)
	}
}

func TestHealthReportsTaskStates(t *testing.T) {
	t.Parallel()
	tasks := []supervisor.TaskStats{
		{Name: "http", Running: true, Starts: 1},
		{Name: "notifier", Running: false, Starts: 2, LastErr: "telegram: timeout"},
	}
	srv := newTestServer(t, Options{
		Broadcast: newFakeBroadcast(),
		Tasks:     func() []supervisor.TaskStats { return tasks },
	})

	var health struct {
		Status string                 `json:"status"`
		Tasks  []supervisor.TaskStats `json:"tasks"`
	}
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if health.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", health.Status)
	}
	if len(health.Tasks) != 2 || health.Tasks[1].LastErr != "telegram: timeout" {
		t.Fatalf("tasks = %+v", health.Tasks)
	}
}

func TestIndexPointsAtVideoFeed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{Broadcast: newFakeBroadcast()})
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `src="/video_feed"`) {
		t.Fatalf("index = %s", b)
	}
}

func TestVideoFeedStreamsMultipart(t *testing.T) {
	t.Parallel()
	// A part is only complete once the next boundary arrives, so queue one extra.
	fb := newFakeBroadcast("frame-1", "frame-2", "frame-3")
	srv := newTestServer(t, Options{Broadcast: fb})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/video_feed", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /video_feed: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type = %q (%v)", resp.Header.Get("Content-Type"), err)
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	for _, want := range []string{"frame-1", "frame-2"} {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("part content type = %q", ct)
		}
		b, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if string(b) != want {
			t.Fatalf("part = %q, want %q", b, want)
		}
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for fb.releasedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("consumer not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVideoFeedCameraUnavailable(t *testing.T) {
	t.Parallel()
	fb := newFakeBroadcast()
	fb.startErr = fmt.Errorf("%w: no device", framecast.ErrSourceUnavailable)
	srv := newTestServer(t, Options{Broadcast: fb})

	for _, path := range []string{"/video_feed", "/ws"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestWebSocketSendsBinaryFrames(t *testing.T) {
	t.Parallel()
	fb := newFakeBroadcast("jpeg-bytes")
	srv := newTestServer(t, Options{Broadcast: fb})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage || string(msg) != "jpeg-bytes" {
		t.Fatalf("message = %d %q", mt, msg)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fb.releasedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket consumer not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOptionalRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "facecast_up 1\n")
	})
	srv := newTestServer(t, Options{Broadcast: newFakeBroadcast(), Metrics: metrics, Pprof: true})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "facecast_up") {
		t.Fatalf("metrics = %d %s", resp.StatusCode, b)
	}

	resp, err = http.Get(srv.URL + "/debug/pprof/goroutine?debug=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status = %d", resp.StatusCode)
	}

	plain := newTestServer(t, Options{Broadcast: newFakeBroadcast()})
	resp, err = http.Get(plain.URL + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof without opt-in = %d, want 404", resp.StatusCode)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	s := New(Options{Addr: "127.0.0.1:0", Broadcast: newFakeBroadcast(), Log: logx.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
