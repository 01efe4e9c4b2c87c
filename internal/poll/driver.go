// Package poll fetches full authoritative state on a fixed cadence and on
// explicit triggers, acting as the resilience backstop for the event stream.
package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
	"github.com/parlorlabs/fleetsync/internal/state"
)

const (
	defaultInterval       = 10 * time.Second
	defaultRetryLimit     = 3
	defaultRequestTimeout = 10 * time.Second
	retryInitialInterval  = 500 * time.Millisecond
	retryMaxInterval      = 5 * time.Second
)

var (
	errMissingFetcher = errors.New("poll: fetcher dependency required")
	errMissingSink    = errors.New("poll: snapshot sink required")
)

// Fetcher issues the full-state queries; satisfied by sot.Client.
type Fetcher interface {
	ListDevices(ctx context.Context) ([]fleet.Device, error)
	ListInventory(ctx context.Context) ([]fleet.InventoryItem, error)
}

// SnapshotSink receives fetched snapshots; satisfied by state.Reconciler.
type SnapshotSink interface {
	OnFullSnapshot(devices []fleet.Device, inventory []fleet.InventoryItem, source state.Source)
}

// Config captures the polling cadence and retry policy.
type Config struct {
	Interval       time.Duration
	RetryLimit     uint
	RequestTimeout time.Duration
}

// Driver polls the Source-of-Truth Service. At most one fetch is in flight;
// ticks and kicks arriving while a fetch is outstanding are skipped, not
// queued. Exhausting the retry budget flips the degraded flag while the last
// good snapshot stays served.
type Driver struct {
	cfg    Config
	fetch  Fetcher
	sink   SnapshotSink
	logger *zap.Logger

	kick     chan struct{}
	inFlight atomic.Bool
	degraded atomic.Bool
	wg       sync.WaitGroup
}

// NewDriver validates the configuration and returns a Driver.
func NewDriver(cfg Config, fetcher Fetcher, sink SnapshotSink, logger *zap.Logger) (*Driver, error) {
	if fetcher == nil {
		return nil, errMissingFetcher
	}
	if sink == nil {
		return nil, errMissingSink
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		fetch:  fetcher,
		sink:   sink,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}, nil
}

// Kick requests an immediate out-of-cadence poll (view mount, stream
// reconnect, focus regain). Skipped when a fetch is already outstanding.
func (d *Driver) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Degraded reports whether the last poll cycle exhausted its retry budget.
func (d *Driver) Degraded() bool {
	return d.degraded.Load()
}

// Run polls immediately, then on every tick or kick, until the context is
// cancelled. It does not return while a fetch is outstanding, so no snapshot
// is delivered after Run exits.
func (d *Driver) Run(ctx context.Context) error {
	defer d.wg.Wait()

	d.trigger(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.trigger(ctx)
		case <-d.kick:
			d.trigger(ctx)
		}
	}
}

func (d *Driver) trigger(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Debug("skipping poll, fetch already outstanding")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Store(false)
		d.fetchOnce(ctx)
	}()
}

type fetchResult struct {
	devices   []fleet.Device
	inventory []fleet.InventoryItem
}

func (d *Driver) fetchOnce(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	operation := func() (fetchResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()

		devices, err := d.fetch.ListDevices(attemptCtx)
		if err != nil {
			return fetchResult{}, err
		}
		inventory, err := d.fetch.ListInventory(attemptCtx)
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{devices: devices, inventory: inventory}, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(d.cfg.RetryLimit+1))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !d.degraded.Swap(true) {
			d.logger.Warn("poll retries exhausted, serving last good snapshot", zap.Error(err))
		}
		return
	}

	// A fetch completing after teardown is discarded.
	if ctx.Err() != nil {
		return
	}
	if result.inventory == nil {
		result.inventory = []fleet.InventoryItem{}
	}
	d.sink.OnFullSnapshot(result.devices, result.inventory, state.SourcePoll)
	if d.degraded.Swap(false) {
		d.logger.Info("poll recovered")
	}
}
