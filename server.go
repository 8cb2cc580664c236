package edgeserve

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/http/httpguts"
)

const maxRequestBody = 64 << 20

// Dispatcher forwards a translated request to the active script. Satisfied
// by RunManager.
type Dispatcher interface {
	Dispatch(req *WorkerRequest, meta *RequestMetadata) *WorkerResult
}

// Server is the local HTTP front end for one script: it translates incoming
// requests to the script's shape, attaches synthesized metadata, and
// handles WebSocket upgrades.
type Server struct {
	Script     *Script
	Dispatcher Dispatcher
	Metadata   MetadataProvider

	// LogRequests enables one access-log line per request.
	LogRequests bool

	listener net.Listener
}

// Listen binds the script's port. Port 0 picks an ephemeral port, mostly
// useful in tests.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.Script.Port))
	if err != nil {
		return fmt.Errorf("listen for %s: %w", s.Script.Name, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the HTTP server until the listener closes.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Printf("server: %s listening on http://%s", s.Script.Name, s.listener.Addr())
	err := http.Serve(s.listener, s)
	if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return err
	}
	return nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("server: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	start := time.Now()
	status := s.handle(w, r)
	if s.LogRequests {
		log.Printf("server: %s %s %s -> %d (%s)",
			r.RemoteAddr, r.Method, r.URL.Path, status, time.Since(start).Round(time.Millisecond))
	}
}

// handle serves one request and returns the status for the access log.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) int {
	// Metadata first. A memoized lookup failure fails every request the
	// same way rather than serving requests with half-empty metadata.
	meta, err := s.Metadata.Metadata(r.Context(), r)
	if err != nil {
		log.Printf("server: metadata: %v", err)
		http.Error(w, "request metadata unavailable", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	upgrade := r.Header.Get("Upgrade")
	wantsWebSocket := httpguts.HeaderValuesContainsToken(r.Header.Values("Upgrade"), "websocket")
	if upgrade != "" && !wantsWebSocket {
		// Some other protocol upgrade. Reject before the script sees it.
		http.Error(w, ErrNotUpgradable.Error(), http.StatusBadRequest)
		return http.StatusBadRequest
	}

	req, err := s.translateRequest(r, meta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return http.StatusBadRequest
	}

	if wantsWebSocket {
		return s.handleUpgrade(w, r, req, meta)
	}

	result := s.Dispatcher.Dispatch(req, meta)
	s.logScriptOutput(result)
	if result.Error != nil {
		// Error detail stays in the log; clients get a fixed body.
		log.Printf("server: script %s: %v", s.Script.Name, result.Error)
		s.discardDeferred(result)
		http.Error(w, "internal script error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	if result.WebSocket != nil || result.Response.HasWebSocket {
		log.Printf("server: script %s: %v", s.Script.Name, ErrDeferredOutsideUpgrade)
		s.discardDeferred(result)
		http.Error(w, ErrDeferredOutsideUpgrade.Error(), http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	for k, v := range result.Response.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(result.Response.StatusCode)
	if len(result.Response.Body) > 0 {
		w.Write(result.Response.Body)
	}
	return result.Response.StatusCode
}

// handleUpgrade accepts the WebSocket handshake, then dispatches. The
// handshake happens first because a bridged connection must exist before
// the script's server socket can be wired to anything; a script that then
// answers with a plain response (or a deferred one without status 101) has
// violated the upgrade contract and the connection is closed with an error.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, req *WorkerRequest, meta *RequestMetadata) int {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("server: websocket accept: %v", err)
		return http.StatusBadRequest
	}

	result := s.Dispatcher.Dispatch(req, meta)
	s.logScriptOutput(result)
	if result.Error != nil {
		log.Printf("server: script %s: %v", s.Script.Name, result.Error)
		s.discardDeferred(result)
		conn.Close(websocket.StatusInternalError, "script error")
		return http.StatusInternalServerError
	}
	if result.WebSocket == nil {
		log.Printf("server: script %s returned a plain response to an upgrade request", s.Script.Name)
		conn.Close(websocket.StatusInternalError, "no WebSocket in response")
		return http.StatusInternalServerError
	}
	if result.Response.StatusCode != http.StatusSwitchingProtocols {
		log.Printf("server: script %s: %v (got %d)", s.Script.Name, ErrDeferredStatus, result.Response.StatusCode)
		s.discardDeferred(result)
		conn.Close(websocket.StatusInternalError, ErrDeferredStatus.Error())
		return http.StatusInternalServerError
	}

	result.WebSocket.Bridge(r.Context(), conn)
	return http.StatusSwitchingProtocols
}

// discardDeferred releases the engine resources behind a deferred response
// the server has decided not to bridge. Without it the request state, and
// under the sandbox the checked-out isolate, would stay held forever.
func (s *Server) discardDeferred(result *WorkerResult) {
	if result.WebSocket != nil {
		result.WebSocket.Discard()
	}
}

// translateRequest converts an http.Request into the script-facing shape.
// The URL is rewritten to the script's local hostname so hostname routing
// matches production.
func (s *Server) translateRequest(r *http.Request, meta *RequestMetadata) (*WorkerRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	if host != "" {
		headers["cf-connecting-ip"] = host
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	hostname := meta.Hostname
	if hostname == "" {
		hostname = r.Host
	}
	return &WorkerRequest{
		Method:  r.Method,
		URL:     scheme + "://" + hostname + r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}, nil
}

func (s *Server) logScriptOutput(result *WorkerResult) {
	for _, entry := range result.Logs {
		log.Printf("script %s: [%s] %s", s.Script.Name, entry.Level, entry.Message)
	}
}
