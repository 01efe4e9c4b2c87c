package server

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamMessageTypeInitialState = "initial_state"
	streamMessageTypeUpdate       = "update"
	streamMessageTypePong         = "pong"

	streamHandshakeTimeout = 10 * time.Second
	streamWriteTimeout     = 10 * time.Second
	streamBufferSize       = 16
)

// Dispatcher fans snapshot frames out to stream subscribers. Every frame is a
// complete snapshot, so a slow subscriber loses intermediate frames, never the
// latest one.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan snapshotPayload
	nextID      int64
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subscribers: make(map[int64]chan snapshotPayload)}
}

// Subscribe registers a stream consumer. The subscription ends when the
// context is cancelled or the cleanup function is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan snapshotPayload, func()) {
	stream := make(chan snapshotPayload, streamBufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers a frame to every subscriber. When a subscriber's buffer is
// full the oldest frame is evicted so the newest always lands.
func (d *Dispatcher) Publish(payload snapshotPayload) {
	d.mu.RLock()
	streams := make([]chan snapshotPayload, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- payload:
		default:
			select {
			case <-stream:
			default:
			}
			select {
			case stream <- payload:
			default:
			}
		}
	}
}

type streamFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleStream upgrades the request and rebroadcasts the merged view over the
// same wire format the upstream service uses: an initial_state frame on
// connect, update frames on change, and a pong reply to each text ping.
func (h *httpHandler) handleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	updates, unsubscribe := h.dispatcher.Subscribe(ctx)
	defer unsubscribe()

	pings := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(payload) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := writeFrame(conn, streamMessageTypeInitialState, h.snapshotPayload()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-pings:
			if err := writeFrame(conn, streamMessageTypePong, nil); err != nil {
				return
			}
		case payload := <-updates:
			if err := writeFrame(conn, streamMessageTypeUpdate, payload); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, messageType string, data any) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(streamFrame{Type: messageType, Data: data})
}
