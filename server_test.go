package edgeserve

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeDispatcher returns a canned result and records whether it was called.
type fakeDispatcher struct {
	result  *WorkerResult
	calls   atomic.Int32
	lastReq *WorkerRequest
}

func (f *fakeDispatcher) Dispatch(req *WorkerRequest, meta *RequestMetadata) *WorkerResult {
	f.calls.Add(1)
	f.lastReq = req
	return f.result
}

type fakeMetadata struct {
	meta *RequestMetadata
	err  error
}

func (f *fakeMetadata) Metadata(ctx context.Context, r *http.Request) (*RequestMetadata, error) {
	return f.meta, f.err
}

func newTestServer(d Dispatcher) *Server {
	return &Server{
		Script:     &Script{Name: "test", LocalHostname: "test.example.com"},
		Dispatcher: d,
		Metadata:   &fakeMetadata{meta: &RequestMetadata{ClientIP: "203.0.113.7"}},
	}
}

func TestServerTranslatesResponse(t *testing.T) {
	d := &fakeDispatcher{result: &WorkerResult{Response: &WorkerResponse{
		StatusCode: 201,
		Headers:    map[string]string{"x-custom": "yes"},
		Body:       []byte("created"),
	}}}
	srv := httptest.NewServer(newTestServer(d))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/things?a=1", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Get("x-custom"); got != "yes" {
		t.Fatalf("x-custom = %q, want %q", got, "yes")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "created" {
		t.Fatalf("body = %q, want %q", body, "created")
	}

	if d.lastReq.Method != "POST" {
		t.Errorf("script saw method %q, want POST", d.lastReq.Method)
	}
	if want := "http://test.example.com/things?a=1"; d.lastReq.URL != want {
		t.Errorf("script saw URL %q, want %q", d.lastReq.URL, want)
	}
	if string(d.lastReq.Body) != "hello" {
		t.Errorf("script saw body %q, want %q", d.lastReq.Body, "hello")
	}
}

func TestServerRejectsNonWebSocketUpgrade(t *testing.T) {
	d := &fakeDispatcher{result: &WorkerResult{Response: &WorkerResponse{StatusCode: 200}}}
	srv := httptest.NewServer(newTestServer(d))
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "h2c")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if d.calls.Load() != 0 {
		t.Fatalf("dispatcher called %d times, want 0", d.calls.Load())
	}
}

func TestServerMetadataFailureIs500(t *testing.T) {
	d := &fakeDispatcher{result: &WorkerResult{Response: &WorkerResponse{StatusCode: 200}}}
	s := newTestServer(d)
	s.Metadata = &fakeMetadata{err: io.ErrUnexpectedEOF}
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if d.calls.Load() != 0 {
		t.Fatalf("dispatcher called %d times, want 0", d.calls.Load())
	}
}

func TestServerScriptErrorIs500(t *testing.T) {
	d := &fakeDispatcher{result: &WorkerResult{Error: io.ErrUnexpectedEOF}}
	srv := httptest.NewServer(newTestServer(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got := strings.TrimSpace(string(body)); got != "internal script error" {
		t.Fatalf("body = %q, want the fixed error text", got)
	}
}

func TestServerDeferredOutsideUpgradeIs500(t *testing.T) {
	bridger := &echoBridger{}
	d := &fakeDispatcher{result: &WorkerResult{
		Response:  &WorkerResponse{StatusCode: 101, HasWebSocket: true},
		WebSocket: bridger,
	}}
	srv := httptest.NewServer(newTestServer(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if bridger.bridged.Load() {
		t.Fatal("bridge ran for a rejected deferred response")
	}
	if !bridger.discarded.Load() {
		t.Fatal("rejected deferred response was never discarded")
	}
}

// echoBridger echoes every frame back with a prefix, then closes.
type echoBridger struct {
	bridged   atomic.Bool
	discarded atomic.Bool
}

func (e *echoBridger) Bridge(ctx context.Context, conn *websocket.Conn) {
	e.bridged.Store(true)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, typ, append([]byte("echo:"), data...)); err != nil {
			return
		}
	}
}

func (e *echoBridger) Discard() {
	e.discarded.Store(true)
}

func TestServerBridgesWebSocket(t *testing.T) {
	bridger := &echoBridger{}
	d := &fakeDispatcher{result: &WorkerResult{
		Response:  &WorkerResponse{StatusCode: 101, HasWebSocket: true},
		WebSocket: bridger,
	}}
	srv := httptest.NewServer(newTestServer(d))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "echo:ping" {
		t.Fatalf("frame = %q, want %q", data, "echo:ping")
	}
	if !bridger.bridged.Load() {
		t.Fatal("bridger was never invoked")
	}
}

func TestServerDeferredWrongStatusClosesConn(t *testing.T) {
	bridger := &echoBridger{}
	d := &fakeDispatcher{result: &WorkerResult{
		Response:  &WorkerResponse{StatusCode: 200, HasWebSocket: true},
		WebSocket: bridger,
	}}
	srv := httptest.NewServer(newTestServer(d))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		// The handshake succeeded or failed depending on timing; either
		// way the bridge must not run.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if bridger.bridged.Load() {
		t.Fatal("bridge ran despite the wrong deferred status")
	}
	if !bridger.discarded.Load() {
		t.Fatal("rejected deferred response was never discarded")
	}
}
