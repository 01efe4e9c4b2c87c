package state

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

var errMissingStore = errors.New("state: store dependency required")

// ReconcilerConfig wires the reconciler's dependencies.
type ReconcilerConfig struct {
	Store  *Store
	Logger *zap.Logger
	Clock  func() time.Time
}

// Reconciler is the merge authority and the sole writer of the store. Poll
// and push producers feed it snapshots; the mutation coordinator feeds it
// optimistic mutations and their resolutions. Events are applied atomically
// in arrival order; no cross-producer ordering is assumed.
type Reconciler struct {
	store  *Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewReconciler validates the configuration and returns a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{store: cfg.Store, logger: logger, clock: clock}, nil
}

// OnFullSnapshot replaces the device mapping with the snapshot contents.
// A nil inventory slice leaves the inventory mapping untouched (the event
// stream carries devices only); a non-nil slice replaces it. Entities that
// fail validation are dropped individually and never abort the event.
// Pending optimistic values stay visible until resolved, and pending
// mutations already reflected by the snapshot are confirmed in place.
func (r *Reconciler) OnFullSnapshot(devices []fleet.Device, inventory []fleet.InventoryItem, source Source) {
	validDevices := r.validDevices(devices, source)
	replaceInventory := inventory != nil
	validInventory := inventory
	if replaceInventory {
		validInventory = r.validInventory(inventory, source)
	}
	r.store.replaceAll(validDevices, validInventory, replaceInventory)
	r.logger.Debug("applied full snapshot",
		zap.String("source", string(source)),
		zap.Int("devices", len(validDevices)),
		zap.Bool("inventory_replaced", replaceInventory),
		zap.Uint64("generation", r.store.Generation()))
}

// OnPartialSnapshot merges the given devices; devices absent from the
// payload are left untouched, never deleted.
func (r *Reconciler) OnPartialSnapshot(devices []fleet.Device) {
	valid := r.validDevices(devices, SourcePush)
	if len(valid) == 0 {
		return
	}
	r.store.applyPartial(valid)
	r.logger.Debug("applied partial snapshot",
		zap.Int("devices", len(valid)),
		zap.Uint64("generation", r.store.Generation()))
}

// ApplyOptimistic registers the mutation in the pending ledger and makes its
// field changes visible immediately. The returned id must later be resolved.
func (r *Reconciler) ApplyOptimistic(mutation Mutation) (MutationID, error) {
	if err := mutation.validate(); err != nil {
		return "", err
	}
	id := r.store.applyOptimistic(mutation, r.clock())
	return id, nil
}

// Resolve settles a registered optimistic mutation: confirmation folds the
// mutated values (or the authoritative response entity) into the store,
// rejection reverts them to the last authoritative values. Either way the
// generation advances. Returns false when the mutation was already resolved,
// for example by an intervening snapshot.
func (r *Reconciler) Resolve(id MutationID, outcome Outcome) bool {
	resolved := r.store.resolve(id, outcome)
	if resolved && !outcome.Confirmed {
		r.logger.Info("optimistic mutation rolled back", zap.String("mutation_id", string(id)))
	}
	return resolved
}

// UpsertInventory writes one authoritative inventory item, used when a
// creation response assigns the server-side identifier.
func (r *Reconciler) UpsertInventory(item fleet.InventoryItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	r.store.upsertInventory(item)
	return nil
}

func (r *Reconciler) validDevices(devices []fleet.Device, source Source) []fleet.Device {
	valid := make([]fleet.Device, 0, len(devices))
	for _, device := range devices {
		if err := device.Validate(); err != nil {
			r.logger.Warn("dropping malformed device entry",
				zap.String("source", string(source)),
				zap.String("pc_id", device.PCID),
				zap.Error(err))
			continue
		}
		valid = append(valid, device)
	}
	return valid
}

func (r *Reconciler) validInventory(items []fleet.InventoryItem, source Source) []fleet.InventoryItem {
	valid := make([]fleet.InventoryItem, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			r.logger.Warn("dropping malformed inventory entry",
				zap.String("source", string(source)),
				zap.Int64("item_id", item.ID),
				zap.Error(err))
			continue
		}
		valid = append(valid, item)
	}
	return valid
}
