// Package push maintains the persistent event-stream connection to the
// Source-of-Truth Service and feeds decoded snapshots into the reconciler.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
	"github.com/parlorlabs/fleetsync/internal/state"
)

// State enumerates the listener's connection states.
type State string

const (
	// StateDisconnected means no connection exists and none is being made.
	StateDisconnected State = "DISCONNECTED"
	// StateConnecting means a dial attempt is in progress.
	StateConnecting State = "CONNECTING"
	// StateConnected means the event stream is live.
	StateConnected State = "CONNECTED"
)

const (
	messageTypeInitialState = "initial_state"
	messageTypeUpdate       = "update"
	messageTypePong         = "pong"

	defaultPingPeriod      = 30 * time.Second
	defaultLivenessTimeout = 90 * time.Second
	defaultReconnectDelay  = 3 * time.Second
	handshakeTimeout       = 10 * time.Second
	writeTimeout           = 10 * time.Second
)

var (
	errMissingURL  = errors.New("push: stream url required")
	errMissingSink = errors.New("push: snapshot sink required")
)

// SnapshotSink receives decoded stream payloads; satisfied by state.Reconciler.
type SnapshotSink interface {
	OnFullSnapshot(devices []fleet.Device, inventory []fleet.InventoryItem, source state.Source)
	OnPartialSnapshot(devices []fleet.Device)
}

// Config captures the stream connection settings.
type Config struct {
	URL             string
	AuthToken       string
	PingPeriod      time.Duration
	LivenessTimeout time.Duration
	ReconnectDelay  time.Duration
	// OnConnect runs after every successful (re)connect, before any message
	// is processed. Used to kick the poll driver when refetch-on-reconnect
	// is enabled.
	OnConnect func()
}

// Listener owns the event-stream connection lifecycle: it dials, decodes
// inbound messages, keeps the connection alive with periodic probes, and
// reconnects after a fixed delay forever. The poll driver is the resilience
// backstop, so there is no backoff ceiling here.
type Listener struct {
	cfg    Config
	sink   SnapshotSink
	logger *zap.Logger
	dialer *websocket.Dialer

	mu    sync.Mutex
	state State
}

// NewListener validates the configuration and returns a Listener.
func NewListener(cfg Config, sink SnapshotSink, logger *zap.Logger) (*Listener, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if sink == nil {
		return nil, errMissingSink
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		state:  StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Live reports whether the event stream is currently connected.
func (l *Listener) Live() bool {
	return l.State() == StateConnected
}

// Run drives the connect/serve/reconnect loop until the context is
// cancelled. Always returns the context's error.
func (l *Listener) Run(ctx context.Context) error {
	for {
		l.setState(StateConnecting)
		conn, err := l.dial(ctx)
		if err != nil {
			l.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("stream connect failed", zap.String("url", l.cfg.URL), zap.Error(err))
			if !sleepContext(ctx, l.cfg.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		l.setState(StateConnected)
		l.logger.Info("stream connected", zap.String("url", l.cfg.URL))
		if l.cfg.OnConnect != nil {
			l.cfg.OnConnect()
		}

		l.serve(ctx, conn)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Info("stream disconnected, reconnecting",
			zap.Duration("delay", l.cfg.ReconnectDelay))
		if !sleepContext(ctx, l.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+l.cfg.AuthToken)
	}
	conn, response, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		if response != nil {
			response.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps the connection until it fails or the context is cancelled.
// Absence of any inbound traffic for longer than the liveness timeout trips
// the read deadline and forces a disconnect.
func (l *Listener) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	readerDone := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(readerDone) }) }

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	go func() {
		ticker := time.NewTicker(l.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-readerDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					l.logger.Warn("liveness probe failed", zap.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()

	defer finish()
	for {
		conn.SetReadDeadline(time.Now().Add(l.cfg.LivenessTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn("stream read failed", zap.Error(err))
			}
			return
		}
		l.handleMessage(payload)
	}
}

type streamEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleMessage decodes one inbound message. Malformed payloads are logged
// and dropped; they never terminate the connection.
func (l *Listener) handleMessage(payload []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		l.logger.Warn("dropping malformed stream message", zap.Error(err))
		return
	}

	switch envelope.Type {
	case messageTypeInitialState:
		devices, err := decodeDevices(envelope.Data)
		if err != nil {
			l.logger.Warn("dropping malformed initial state", zap.Error(err))
			return
		}
		// The stream carries devices only; inventory stays untouched.
		l.sink.OnFullSnapshot(devices, nil, state.SourcePush)
	case messageTypeUpdate:
		devices, err := decodeDevices(envelope.Data)
		if err != nil {
			l.logger.Warn("dropping malformed update", zap.Error(err))
			return
		}
		l.sink.OnPartialSnapshot(devices)
	case messageTypePong:
		// Any inbound traffic already refreshed the read deadline.
	default:
		l.logger.Debug("ignoring unknown stream message", zap.String("type", envelope.Type))
	}
}

func decodeDevices(data json.RawMessage) ([]fleet.Device, error) {
	var devices []fleet.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (l *Listener) setState(next State) {
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
