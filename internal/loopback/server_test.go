package loopback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlink/internal/loopback"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/mock"
	"github.com/MrWong99/voxlink/pkg/transport/websocket"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newServer(t *testing.T, cfg loopback.Config) (*loopback.Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return loopback.NewServer(cfg, loopback.WithMetrics(m)), reader
}

// handle serves the server end of a pipe in the background and returns the
// client end plus a channel carrying Handle's result.
func handle(t *testing.T, s *loopback.Server) (*mock.Transport, <-chan error) {
	t.Helper()
	client, server := mock.Pipe(64)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Handle(ctx, server, "mock") }()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})
	return client, errc
}

func sendUtterance(t *testing.T, tr transport.Transport, frames ...string) {
	t.Helper()
	ctx := context.Background()
	for _, f := range frames {
		if err := tr.Send(ctx, []byte(f)); err != nil {
			t.Fatalf("Send %q: %v", f, err)
		}
	}
	if err := tr.Send(ctx, nil); err != nil {
		t.Fatalf("Send end of stream: %v", err)
	}
}

// receiveUtterance reads frames until the sentinel.
func receiveUtterance(t *testing.T, tr transport.Transport) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	for {
		msg, err := tr.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if transport.IsEndOfStream(msg) {
			return got
		}
		got = append(got, string(msg))
	}
}

func waitResult(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return")
		return nil
	}
}

func activePeers(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxlink.active_peers" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("active_peers data is %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestHandle_EchoesUtterance(t *testing.T) {
	t.Parallel()
	s, reader := newServer(t, loopback.Config{})
	client, errc := handle(t, s)

	sendUtterance(t, client, "a", "b", "c")
	got := receiveUtterance(t, client)
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("echo = %v, want [a b c]", got)
	}

	if n := s.Peers().Len(); n != 1 {
		t.Errorf("peers = %d, want 1", n)
	}
	if n := activePeers(t, reader); n != 1 {
		t.Errorf("active_peers = %d, want 1", n)
	}

	_ = client.Close()
	if err := waitResult(t, errc); err != nil {
		t.Errorf("Handle: %v", err)
	}
	if n := s.Peers().Len(); n != 0 {
		t.Errorf("peers after close = %d, want 0", n)
	}
	if n := activePeers(t, reader); n != 0 {
		t.Errorf("active_peers after close = %d, want 0", n)
	}
}

func TestHandle_EmptyUtterance(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{})
	client, _ := handle(t, s)

	sendUtterance(t, client)
	if got := receiveUtterance(t, client); len(got) != 0 {
		t.Errorf("echo = %v, want nothing but the sentinel", got)
	}
}

func TestHandle_SeveralUtterances(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{})
	client, _ := handle(t, s)

	sendUtterance(t, client, "1", "2")
	first := receiveUtterance(t, client)
	sendUtterance(t, client, "3")
	second := receiveUtterance(t, client)

	if strings.Join(first, "") != "12" || strings.Join(second, "") != "3" {
		t.Errorf("echo = %v then %v", first, second)
	}

	st := s.Peers().Status()
	if len(st.Peers) != 1 {
		t.Fatalf("status peers = %d, want 1", len(st.Peers))
	}
	p := st.Peers[0]
	if p.Utterances != 2 || p.FramesReceived != 3 || p.FramesReplayed != 3 {
		t.Errorf("peer info = %+v", p)
	}
	if p.Transport != "mock" {
		t.Errorf("transport = %q, want mock", p.Transport)
	}
}

func TestHandle_DropsBeyondUtteranceCap(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{MaxUtteranceFrames: 2})
	client, _ := handle(t, s)

	sendUtterance(t, client, "a", "b", "c", "d")
	if got := receiveUtterance(t, client); strings.Join(got, "") != "ab" {
		t.Errorf("echo = %v, want [a b]", got)
	}
	st := s.Peers().Status()
	if len(st.Peers) != 1 || st.Peers[0].FramesDropped != 2 {
		t.Errorf("status = %+v, want 2 dropped", st)
	}
}

func TestHandle_RemoteAbort(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{})
	client, errc := handle(t, s)

	if err := client.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.SendControl(context.Background(), transport.Control{Type: transport.ControlAbort, Reason: "test"}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if err := waitResult(t, errc); err != nil {
		t.Errorf("Handle: %v", err)
	}
	if !client.Closed() {
		t.Error("transport not closed after abort")
	}
}

func TestHandle_PacesReplay(t *testing.T) {
	t.Parallel()
	const frame = 20 * time.Millisecond
	s, _ := newServer(t, loopback.Config{FrameDuration: frame, Pace: true})
	client, _ := handle(t, s)

	sendUtterance(t, client, "1", "2", "3", "4", "5")
	start := time.Now()
	got := receiveUtterance(t, client)
	if len(got) != 5 {
		t.Fatalf("echo = %v, want 5 frames", got)
	}
	if elapsed := time.Since(start); elapsed < 4*frame-5*time.Millisecond {
		t.Errorf("replay took %s, want at least %s", elapsed, 4*frame)
	}
}

func TestServer_ShutdownSaysGoodbye(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{})
	client, errc := handle(t, s)

	sendUtterance(t, client, "a")
	receiveUtterance(t, client)

	s.Shutdown()
	if err := waitResult(t, errc); err != nil {
		t.Errorf("Handle: %v", err)
	}
	if !client.Closed() {
		t.Error("transport not closed on shutdown")
	}
}

func TestStatusHandler(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{})
	client, _ := handle(t, s)
	sendUtterance(t, client, "a")
	receiveUtterance(t, client)

	rec := httptest.NewRecorder()
	s.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st loopback.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.TotalPeers != 1 || st.ServedPeers != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.ByState[loopback.PeerConnected] != 1 {
		t.Errorf("peers_by_state = %v, want one connected", st.ByState)
	}
}

func TestServe_Websocket(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, loopback.Config{})
	ln := websocket.NewListener("test")
	srv := httptest.NewServer(ln)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln, "websocket") }()

	d := &websocket.Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := d.Dial(dialCtx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	sendUtterance(t, client, "hello", "world")
	if got := receiveUtterance(t, client); strings.Join(got, " ") != "hello world" {
		t.Errorf("echo = %v", got)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if n := s.Peers().Len(); n != 0 {
		t.Errorf("peers after shutdown = %d, want 0", n)
	}
}

// Not parallel: it compares goroutine counts.
func TestServe_ReleasesFinishedPeers(t *testing.T) {
	s, _ := newServer(t, loopback.Config{})
	ln := mock.NewListener(8)
	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln, "mock") }()

	for range 100 {
		client, err := ln.Connect(ctx)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		_ = client.Close()
	}

	// Serve itself accounts for one goroutine; finished peers must not linger.
	deadline := time.Now().Add(5 * time.Second)
	for s.Peers().Len() > 0 || runtime.NumGoroutine() > before+3 {
		if time.Now().After(deadline) {
			t.Fatalf("peers = %d, goroutines = %d, want at most %d after peers left",
				s.Peers().Len(), runtime.NumGoroutine(), before+3)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
