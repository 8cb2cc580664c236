package edgeserve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const maxLogEntries = 1000
const maxLogMessageSize = 4096

// requestState holds per-request mutable state shared between the Go side
// and the registered host functions. The executor creates it before calling
// into JS and clears it once the request (or its WebSocket bridge) is done.
type requestState struct {
	logs []LogEntry
	env  *Env
	meta *RequestMetadata

	// WebSocket bridge state, set once a deferred 101 result is wired.
	wsConn   *websocket.Conn
	wsMu     sync.Mutex
	wsClosed bool

	// Outbound fetch counter, limited per request.
	fetchCount atomic.Int64
	maxFetches int
}

// writeWS sends a frame on the bridged connection, if any.
func (s *requestState) writeWS(data []byte, binary bool) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.wsConn == nil || s.wsClosed {
		return errWSNotBridged
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.wsConn.Write(ctx, typ, data)
}

// closeWS closes the bridged connection with the given code.
func (s *requestState) closeWS(code int, reason string) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.wsConn == nil || s.wsClosed {
		return
	}
	s.wsClosed = true
	status := websocket.StatusCode(code)
	if code == 0 {
		status = websocket.StatusNormalClosure
	}
	s.wsConn.Close(status, reason)
}

var errWSNotBridged = errors.New("websocket is not bridged")

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *requestState
)

// newRequestState registers a new request and returns its unique ID.
func newRequestState(env *Env, meta *RequestMetadata, maxFetches int) uint64 {
	id := requestCounter.Add(1)
	requestStates.Store(id, &requestState{
		env:        env,
		meta:       meta,
		maxFetches: maxFetches,
	})
	return id
}

// getRequestState returns the state for the given request ID, or nil.
func getRequestState(id uint64) *requestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*requestState)
}

// clearRequestState removes and returns the state for the given request ID.
func clearRequestState(id uint64) *requestState {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return v.(*requestState)
}

// addLog appends a captured console entry to the request's log buffer.
func addLog(id uint64, level, message string) {
	state := getRequestState(id)
	if state == nil {
		return
	}
	if len(state.logs) >= maxLogEntries {
		return
	}
	if len(message) > maxLogMessageSize {
		message = message[:maxLogMessageSize] + "...(truncated)"
	}
	state.logs = append(state.logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}
