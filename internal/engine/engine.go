// Package engine composes the snapshot store, reconciler, poll driver, push
// listener and mutation coordinator into one synchronization engine with the
// viewer-facing read contract.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
	"github.com/parlorlabs/fleetsync/internal/mutate"
	"github.com/parlorlabs/fleetsync/internal/poll"
	"github.com/parlorlabs/fleetsync/internal/push"
	"github.com/parlorlabs/fleetsync/internal/sot"
	"github.com/parlorlabs/fleetsync/internal/state"
)

var errAlreadyStarted = errors.New("engine: already started")

// Config captures the engine's connection and cadence settings.
type Config struct {
	SourceOfTruth sot.Config
	// WebSocketURL overrides the stream endpoint derived from the base URL.
	WebSocketURL string

	PollInterval   time.Duration
	PollRetryLimit uint
	RequestTimeout time.Duration
	// RefetchOnReconnect kicks an immediate poll after every stream
	// reconnect so poll-only entities (inventory) refresh without waiting
	// for the next tick.
	RefetchOnReconnect bool

	PingPeriod      time.Duration
	LivenessTimeout time.Duration
	ReconnectDelay  time.Duration
}

// Engine owns the synchronization pipeline. Producers write through the
// reconciler only; viewers read snapshots or subscribe to change
// notifications and never write.
type Engine struct {
	store       *state.Store
	reconciler  *state.Reconciler
	client      *sot.Client
	listener    *push.Listener
	poller      *poll.Driver
	coordinator *mutate.Coordinator
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped engine from the configuration.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := sot.NewClient(cfg.SourceOfTruth, logger.Named("sot"))
	if err != nil {
		return nil, err
	}

	store := state.NewStore()
	reconciler, err := state.NewReconciler(state.ReconcilerConfig{
		Store:  store,
		Logger: logger.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}

	poller, err := poll.NewDriver(poll.Config{
		Interval:       cfg.PollInterval,
		RetryLimit:     cfg.PollRetryLimit,
		RequestTimeout: cfg.RequestTimeout,
	}, client, reconciler, logger.Named("poll"))
	if err != nil {
		return nil, err
	}

	streamURL := cfg.WebSocketURL
	if streamURL == "" {
		streamURL = client.WebSocketURL()
	}
	var onConnect func()
	if cfg.RefetchOnReconnect {
		onConnect = poller.Kick
	}
	listener, err := push.NewListener(push.Config{
		URL:             streamURL,
		AuthToken:       cfg.SourceOfTruth.AuthToken,
		PingPeriod:      cfg.PingPeriod,
		LivenessTimeout: cfg.LivenessTimeout,
		ReconnectDelay:  cfg.ReconnectDelay,
		OnConnect:       onConnect,
	}, reconciler, logger.Named("push"))
	if err != nil {
		return nil, err
	}

	coordinator, err := mutate.NewCoordinator(mutate.Config{
		API:        client,
		Reconciler: reconciler,
		Reader:     store,
		Logger:     logger.Named("mutate"),
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:       store,
		reconciler:  reconciler,
		client:      client,
		listener:    listener,
		poller:      poller,
		coordinator: coordinator,
		logger:      logger,
	}, nil
}

// Start launches the poll and push producers. The engine stops when Close is
// called or the given context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.listener.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.poller.Run(runCtx)
	}()
	return nil
}

// Close stops both producers and waits for them to drain. No store write
// happens after Close returns.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Snapshot returns the current view: devices, inventory and generation.
func (e *Engine) Snapshot() state.Snapshot {
	return e.store.Snapshot()
}

// Subscribe registers a change callback; see state.Store.Subscribe.
func (e *Engine) Subscribe(fn state.SubscriberFunc) func() {
	return e.store.Subscribe(fn)
}

// Live reports whether the event stream is connected. False means viewers
// are running on poll fallback.
func (e *Engine) Live() bool {
	return e.listener.Live()
}

// Degraded reports whether the poll driver exhausted its retry budget; the
// served snapshot is stale-but-available.
func (e *Engine) Degraded() bool {
	return e.poller.Degraded()
}

// Mutations exposes the mutation coordinator.
func (e *Engine) Mutations() *mutate.Coordinator {
	return e.coordinator
}

// ListSessions queries the historical session browser data straight from
// the Source-of-Truth Service; history is not cached by the store.
func (e *Engine) ListSessions(ctx context.Context, filter sot.SessionFilter) ([]fleet.Session, error) {
	return e.client.ListSessions(ctx, filter)
}
