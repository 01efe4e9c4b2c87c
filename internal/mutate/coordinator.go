// Package mutate accepts caller intents to change session or inventory
// state, applies them optimistically through the reconciler, issues the
// corresponding Source-of-Truth request and settles the optimistic entry
// from the authoritative response.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
	"github.com/parlorlabs/fleetsync/internal/sot"
	"github.com/parlorlabs/fleetsync/internal/state"
)

const (
	defaultRetryLimit    = 2
	retryInitialInterval = 250 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

var (
	// ErrRejected indicates the Source-of-Truth Service declined the change;
	// the optimistic value has been rolled back.
	ErrRejected = errors.New("mutate: mutation rejected")
	// ErrValidation indicates a local precondition failed; no optimistic
	// write and no network call happened.
	ErrValidation = errors.New("mutate: validation failed")

	errMissingAPI        = errors.New("mutate: api dependency required")
	errMissingReconciler = errors.New("mutate: reconciler dependency required")
	errMissingReader     = errors.New("mutate: reader dependency required")
)

// API is the mutation surface of the Source-of-Truth Service; satisfied by
// sot.Client.
type API interface {
	UpdateSession(ctx context.Context, sessionID int64, patch sot.SessionPatch) (*fleet.Session, error)
	CloseSession(ctx context.Context, sessionID int64) (*fleet.Session, error)
	CreateInventoryItem(ctx context.Context, create sot.InventoryCreate) (*fleet.InventoryItem, error)
	UpdateInventoryItem(ctx context.Context, itemID int64, patch sot.InventoryPatch) (*fleet.InventoryItem, error)
	DeleteInventoryItem(ctx context.Context, itemID int64) error
}

// Reconciler is the optimistic-mutation entry point; satisfied by
// state.Reconciler. The coordinator never writes the store directly.
type Reconciler interface {
	ApplyOptimistic(mutation state.Mutation) (state.MutationID, error)
	Resolve(id state.MutationID, outcome state.Outcome) bool
	UpsertInventory(item fleet.InventoryItem) error
}

// Reader provides the current view for local validation; satisfied by
// state.Store.
type Reader interface {
	Snapshot() state.Snapshot
}

// Config wires the coordinator's dependencies.
type Config struct {
	API        API
	Reconciler Reconciler
	Reader     Reader
	Logger     *zap.Logger
	Clock      func() time.Time
	RetryLimit uint
}

// Coordinator serializes mutations per entity: a second call for the same
// session or item queues behind the one in flight, while calls to different
// entities run concurrently.
type Coordinator struct {
	api        API
	reconciler Reconciler
	reader     Reader
	logger     *zap.Logger
	clock      func() time.Time
	retryLimit uint

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retryLimit := cfg.RetryLimit
	if retryLimit == 0 {
		retryLimit = defaultRetryLimit
	}
	return &Coordinator{
		api:        cfg.API,
		reconciler: cfg.Reconciler,
		reader:     cfg.Reader,
		logger:     logger,
		clock:      clock,
		retryLimit: retryLimit,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// SessionEdit captures the editable session fields; nil fields are untouched.
type SessionEdit struct {
	UserName   *string
	AmountPaid *float64
	Notes      *string
}

// ItemCreate describes a new inventory item. Quantity below zero is clamped.
type ItemCreate struct {
	Name          string
	Quantity      int64
	ExpectedStock *int64
	PricePerUnit  float64
}

// ItemEdit captures the editable inventory fields; nil fields are untouched.
// Quantity below zero is clamped.
type ItemEdit struct {
	Name          *string
	Quantity      *int64
	ExpectedStock *int64
	PricePerUnit  *float64
}

// SetPaid marks the session as settled.
func (c *Coordinator) SetPaid(ctx context.Context, sessionID int64) (*fleet.Session, error) {
	paid := fleet.PaidStatusPaid
	change := state.SessionChange{PaidStatus: &paid}
	patch := sot.SessionPatch{PaidStatus: &paid}
	return c.sessionMutation(ctx, sessionID, change, func(ctx context.Context) (*fleet.Session, error) {
		return c.api.UpdateSession(ctx, sessionID, patch)
	})
}

// CloseSession ends the session, optimistically stamping the end time with
// the call time until the authoritative close arrives.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID int64) (*fleet.Session, error) {
	now := c.clock()
	change := state.SessionChange{EndAt: &now}
	return c.sessionMutation(ctx, sessionID, change, func(ctx context.Context) (*fleet.Session, error) {
		return c.api.CloseSession(ctx, sessionID)
	})
}

// EditSession applies a partial edit to the session.
func (c *Coordinator) EditSession(ctx context.Context, sessionID int64, edit SessionEdit) (*fleet.Session, error) {
	if edit.UserName == nil && edit.AmountPaid == nil && edit.Notes == nil {
		return nil, fmt.Errorf("%w: edit touches no fields", ErrValidation)
	}
	change := state.SessionChange{
		UserName:   edit.UserName,
		AmountPaid: edit.AmountPaid,
		Notes:      edit.Notes,
	}
	patch := sot.SessionPatch{
		UserName:   edit.UserName,
		AmountPaid: edit.AmountPaid,
		Notes:      edit.Notes,
	}
	return c.sessionMutation(ctx, sessionID, change, func(ctx context.Context) (*fleet.Session, error) {
		return c.api.UpdateSession(ctx, sessionID, patch)
	})
}

// AdjustInventory changes an item's on-hand quantity by delta, clamped at
// zero. A delta that clamps to the current quantity is a local no-op.
func (c *Coordinator) AdjustInventory(ctx context.Context, itemID int64, delta int64) (*fleet.InventoryItem, error) {
	if itemID <= 0 {
		return nil, fmt.Errorf("%w: non-positive item id %d", ErrValidation, itemID)
	}

	unlock := c.lockEntity(itemKey(itemID))
	defer unlock()

	item, ok := c.reader.Snapshot().Item(itemID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown inventory item %d", ErrValidation, itemID)
	}
	target := item.Quantity + delta
	if target < 0 {
		target = 0
	}
	if target == item.Quantity {
		return &item, nil
	}
	change := state.InventoryChange{Quantity: &target}
	patch := sot.InventoryPatch{Quantity: &target}
	return c.inventoryMutationLocked(ctx, itemID, change, func(ctx context.Context) (*fleet.InventoryItem, error) {
		return c.api.UpdateInventoryItem(ctx, itemID, patch)
	})
}

// CreateInventoryItem creates an item. The write is network-first: no stable
// identifier exists for an optimistic entry until the server assigns one.
func (c *Coordinator) CreateInventoryItem(ctx context.Context, create ItemCreate) (*fleet.InventoryItem, error) {
	if strings.TrimSpace(create.Name) == "" {
		return nil, fmt.Errorf("%w: item name required", ErrValidation)
	}
	if create.PricePerUnit < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrValidation)
	}
	quantity := create.Quantity
	if quantity < 0 {
		quantity = 0
	}

	item, err := requestWithRetry(ctx, c.retryLimit, func(ctx context.Context) (*fleet.InventoryItem, error) {
		return c.api.CreateInventoryItem(ctx, sot.InventoryCreate{
			Name:          create.Name,
			Quantity:      quantity,
			ExpectedStock: create.ExpectedStock,
			PricePerUnit:  create.PricePerUnit,
		})
	})
	if err != nil {
		return nil, c.classify(err)
	}
	if err := c.reconciler.UpsertInventory(*item); err != nil {
		c.logger.Warn("created item failed local validation", zap.Int64("item_id", item.ID), zap.Error(err))
	}
	return item, nil
}

// UpdateInventoryItem applies a partial edit to the item.
func (c *Coordinator) UpdateInventoryItem(ctx context.Context, itemID int64, edit ItemEdit) (*fleet.InventoryItem, error) {
	if itemID <= 0 {
		return nil, fmt.Errorf("%w: non-positive item id %d", ErrValidation, itemID)
	}
	if edit.Name == nil && edit.Quantity == nil && edit.ExpectedStock == nil && edit.PricePerUnit == nil {
		return nil, fmt.Errorf("%w: edit touches no fields", ErrValidation)
	}
	if edit.Name != nil && strings.TrimSpace(*edit.Name) == "" {
		return nil, fmt.Errorf("%w: item name required", ErrValidation)
	}
	if edit.Quantity != nil && *edit.Quantity < 0 {
		clamped := int64(0)
		edit.Quantity = &clamped
	}

	unlock := c.lockEntity(itemKey(itemID))
	defer unlock()

	change := state.InventoryChange{
		Name:          edit.Name,
		Quantity:      edit.Quantity,
		ExpectedStock: edit.ExpectedStock,
		PricePerUnit:  edit.PricePerUnit,
	}
	patch := sot.InventoryPatch{
		Name:          edit.Name,
		Quantity:      edit.Quantity,
		ExpectedStock: edit.ExpectedStock,
		PricePerUnit:  edit.PricePerUnit,
	}
	return c.inventoryMutationLocked(ctx, itemID, change, func(ctx context.Context) (*fleet.InventoryItem, error) {
		return c.api.UpdateInventoryItem(ctx, itemID, patch)
	})
}

// DeleteInventoryItem removes the item.
func (c *Coordinator) DeleteInventoryItem(ctx context.Context, itemID int64) error {
	if itemID <= 0 {
		return fmt.Errorf("%w: non-positive item id %d", ErrValidation, itemID)
	}

	unlock := c.lockEntity(itemKey(itemID))
	defer unlock()

	mutationID, err := c.reconciler.ApplyOptimistic(state.NewInventoryMutation(itemID, state.InventoryChange{Delete: true}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	_, err = requestWithRetry(ctx, c.retryLimit, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.api.DeleteInventoryItem(ctx, itemID)
	})
	if err != nil {
		c.reconciler.Resolve(mutationID, state.Outcome{Confirmed: false})
		return c.classify(err)
	}
	c.reconciler.Resolve(mutationID, state.Outcome{Confirmed: true})
	return nil
}

func (c *Coordinator) sessionMutation(ctx context.Context, sessionID int64, change state.SessionChange, request func(context.Context) (*fleet.Session, error)) (*fleet.Session, error) {
	if sessionID <= 0 {
		return nil, fmt.Errorf("%w: non-positive session id %d", ErrValidation, sessionID)
	}

	unlock := c.lockEntity(sessionKey(sessionID))
	defer unlock()

	mutationID, err := c.reconciler.ApplyOptimistic(state.NewSessionMutation(sessionID, change))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	session, err := requestWithRetry(ctx, c.retryLimit, request)
	if err != nil {
		c.reconciler.Resolve(mutationID, state.Outcome{Confirmed: false})
		return nil, c.classify(err)
	}
	c.reconciler.Resolve(mutationID, state.Outcome{Confirmed: true, Session: session})
	return session, nil
}

// inventoryMutationLocked requires the caller to hold the entity lock.
func (c *Coordinator) inventoryMutationLocked(ctx context.Context, itemID int64, change state.InventoryChange, request func(context.Context) (*fleet.InventoryItem, error)) (*fleet.InventoryItem, error) {
	mutationID, err := c.reconciler.ApplyOptimistic(state.NewInventoryMutation(itemID, change))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	item, err := requestWithRetry(ctx, c.retryLimit, request)
	if err != nil {
		c.reconciler.Resolve(mutationID, state.Outcome{Confirmed: false})
		return nil, c.classify(err)
	}
	c.reconciler.Resolve(mutationID, state.Outcome{Confirmed: true, Inventory: item})
	return item, nil
}

// requestWithRetry retries transient failures with exponential backoff;
// authoritative refusals are permanent and surface immediately.
func requestWithRetry[T any](ctx context.Context, retryLimit uint, request func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	operation := func() (T, error) {
		result, err := request(ctx)
		if err != nil && sot.IsRejection(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return result, err
	}
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(retryLimit+1))
}

func (c *Coordinator) classify(err error) error {
	if sot.IsRejection(err) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}

// lockEntity acquires the per-entity mutex, creating it on first use, and
// returns the corresponding unlock.
func (c *Coordinator) lockEntity(key string) func() {
	c.locksMu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func sessionKey(sessionID int64) string {
	return "session/" + strconv.FormatInt(sessionID, 10)
}

func itemKey(itemID int64) string {
	return "item/" + strconv.FormatInt(itemID, 10)
}
