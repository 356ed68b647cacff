package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawgate/internal/domain"
)

// tapConn tracks a single observer connection.
type tapConn struct {
	id        uint64
	info      *domain.ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func (c *tapConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// offer queues a frame without blocking. A full queue drops the frame.
func (c *tapConn) offer(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- f:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// EventTap streams bus events to authorized WebSocket observers.
type EventTap struct {
	bus        domain.EventBus
	auth       domain.Authorizer
	logger     *slog.Logger
	sendBuffer int
	origins    []string

	conns  sync.Map // conn id (uint64) -> *tapConn
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewEventTap creates a tap. sendBuffer bounds each observer's queue.
func NewEventTap(bus domain.EventBus, auth domain.Authorizer, sendBuffer int, logger *slog.Logger) *EventTap {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &EventTap{
		bus:        bus,
		auth:       auth,
		logger:     logger,
		sendBuffer: sendBuffer,
		// Browsers on the loopback interface only; non-browser clients send no Origin.
		origins: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	}
}

// ServeHTTP upgrades the request and streams events until either side closes.
func (t *EventTap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.closed.Load() {
		http.Error(w, "event tap closed", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, v, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(v)
		}
	}
	info, err := t.auth.Authorize(r.Context(), token, domain.RequestContext{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: t.origins})
	if err != nil {
		t.logger.Warn("websocket accept failed", "error", err)
		return
	}

	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	cc := &tapConn{
		id:     t.nextID.Add(1),
		info:   info,
		ws:     ws,
		sendCh: make(chan Frame, t.sendBuffer),
		done:   make(chan struct{}),
	}
	t.conns.Store(cc.id, cc)
	defer t.conns.Delete(cc.id)

	var filter domain.EventFilter
	if runID != "" {
		filter = domain.ForRun(runID)
	}
	cc.offer(Frame{Type: FrameTypeHello, Client: info.Name, RunID: runID})
	unsub := t.bus.Subscribe(filter, func(_ context.Context, e domain.AgentEvent) {
		cc.offer(Frame{Type: FrameTypeEvent, Event: &e})
	})
	defer unsub()

	t.logger.Info("event observer connected", "conn_id", cc.id, "client", info.Name, "run_id", runID)

	// Observers never send; CloseRead handles control frames and reports the close.
	ctx := ws.CloseRead(r.Context())
	go func() {
		select {
		case <-ctx.Done():
			cc.close()
		case <-cc.done:
		}
	}()

	t.writeLoop(cc)

	ws.Close(websocket.StatusNormalClosure, "")
	t.logger.Info("event observer disconnected", "conn_id", cc.id, "dropped", cc.dropped.Load())
}

func (t *EventTap) writeLoop(cc *tapConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

// Observers returns the number of connected observers.
func (t *EventTap) Observers() int {
	n := 0
	t.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close disconnects every observer and rejects new ones.
func (t *EventTap) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.conns.Range(func(key, value any) bool {
		cc := value.(*tapConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		t.conns.Delete(key)
		return true
	})
}
