package edgeserve

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

const wsPingInterval = 30 * time.Second

// wsSession bridges the script's server-half WebSocket to the real upgraded
// connection. Incoming frames are dispatched into the engine as message
// events; outgoing sends arrive through the request state's host functions.
type wsSession struct {
	reqID uint64

	// run executes fn while holding the engine lock.
	run func(fn func(rt jsRuntime, el *eventLoop) error) error

	// onDone releases engine resources held for the session.
	onDone func()
}

func (s *wsSession) Bridge(ctx context.Context, conn *websocket.Conn) {
	state := getRequestState(s.reqID)
	if state == nil {
		conn.Close(websocket.StatusInternalError, "session expired")
		s.finish()
		return
	}
	state.wsMu.Lock()
	state.wsConn = conn
	state.wsMu.Unlock()

	if err := s.run(func(rt jsRuntime, el *eventLoop) error {
		if err := s.pinRequestID(rt); err != nil {
			return err
		}
		if err := promoteServerSocket(rt, s.reqID); err != nil {
			return err
		}
		rt.RunMicrotasks()
		el.drain(rt, time.Now().Add(time.Second))
		return nil
	}); err != nil {
		log.Printf("websocket: bridge setup: %v", err)
		state.closeWS(int(websocket.StatusInternalError), "bridge setup failed")
		s.finish()
		return
	}

	go s.pingLoop(ctx, conn)

	closeCode := websocket.StatusNormalClosure
	closeReason := ""
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				closeCode = status
			} else {
				closeCode = websocket.StatusAbnormalClosure
				closeReason = "connection lost"
			}
			break
		}
		if err := s.dispatchMessage(typ, data); err != nil {
			log.Printf("websocket: dispatch message: %v", err)
		}
	}

	_ = s.run(func(rt jsRuntime, el *eventLoop) error {
		if err := s.pinRequestID(rt); err != nil {
			return err
		}
		err := rt.Eval(fmt.Sprintf("globalThis.__ws_dispatch_close(%d, %d, %s);",
			s.reqID, closeCode, strconv.Quote(closeReason)))
		rt.RunMicrotasks()
		el.drain(rt, time.Now().Add(time.Second))
		return err
	})
	state.closeWS(int(closeCode), closeReason)
	s.finish()
}

func (s *wsSession) dispatchMessage(typ websocket.MessageType, data []byte) error {
	var payload string
	isBinary := "0"
	if typ == websocket.MessageBinary {
		payload = base64.StdEncoding.EncodeToString(data)
		isBinary = "1"
	} else {
		payload = string(data)
	}
	return s.run(func(rt jsRuntime, el *eventLoop) error {
		if err := s.pinRequestID(rt); err != nil {
			return err
		}
		if err := rt.Eval(fmt.Sprintf("globalThis.__ws_dispatch_message(%d, %s, %s);",
			s.reqID, strconv.Quote(payload), strconv.Quote(isBinary))); err != nil {
			return err
		}
		rt.RunMicrotasks()
		el.drain(rt, time.Now().Add(5*time.Second))
		return nil
	})
}

// pinRequestID makes the session's request ID current before entering the
// engine. On the shared in-process VM another request may have run since the
// last frame, and host calls route state by this global.
func (s *wsSession) pinRequestID(rt jsRuntime) error {
	return rt.Eval(fmt.Sprintf("globalThis.__requestID = %d;", s.reqID))
}

func (s *wsSession) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Discard releases the session without bridging. Called when the response
// carrying the server socket is rejected, so the request state and any
// engine resources pinned for the bridge are still freed.
func (s *wsSession) Discard() {
	s.finish()
}

func (s *wsSession) finish() {
	clearRequestState(s.reqID)
	if s.onDone != nil {
		s.onDone()
	}
}
