package state

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

// Source tags which producer delivered a snapshot.
type Source string

const (
	// SourcePoll marks data fetched by the poll driver.
	SourcePoll Source = "poll"
	// SourcePush marks data delivered over the event stream.
	SourcePush Source = "push"
)

// Snapshot is a read-only, deep copy of the store at one generation.
type Snapshot struct {
	Devices    []fleet.Device
	Inventory  []fleet.InventoryItem
	Generation uint64
}

// Device returns the device with the given identifier, if present.
func (s Snapshot) Device(pcID string) (fleet.Device, bool) {
	for _, device := range s.Devices {
		if device.PCID == pcID {
			return device, true
		}
	}
	return fleet.Device{}, false
}

// Item returns the inventory item with the given identifier, if present.
func (s Snapshot) Item(itemID int64) (fleet.InventoryItem, bool) {
	for _, item := range s.Inventory {
		if item.ID == itemID {
			return item, true
		}
	}
	return fleet.InventoryItem{}, false
}

// SubscriberFunc receives the snapshot produced by an accepted write. It is
// invoked synchronously, at most once per generation, and must not call back
// into the store's write path.
type SubscriberFunc func(Snapshot)

// Store holds the latest known fleet and inventory state together with the
// pending optimistic mutation ledger. All writes go through the Reconciler;
// reads return deep copies and never observe a partial write.
type Store struct {
	writeMu sync.Mutex // serializes writers and subscriber notification order

	mu               sync.RWMutex
	devices          map[string]fleet.Device
	inventory        map[int64]fleet.InventoryItem
	pending          []*pendingMutation
	generation       uint64
	nextSeq          int64
	subscribers      map[int64]SubscriberFunc
	nextSubscriberID int64
}

// NewStore returns an empty store at generation zero.
func NewStore() *Store {
	return &Store{
		devices:     make(map[string]fleet.Device),
		inventory:   make(map[int64]fleet.InventoryItem),
		subscribers: make(map[int64]SubscriberFunc),
	}
}

// Snapshot returns a deep copy of the current state with all pending
// optimistic mutations applied on top of the authoritative data.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// Generation returns the current generation counter.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// PendingCount returns the number of unresolved optimistic mutations.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Subscribe registers a callback invoked once per accepted write. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn SubscriberFunc) func() {
	s.mu.Lock()
	s.nextSubscriberID++
	id := s.nextSubscriberID
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// write runs apply under the store locks and, when apply reports an accepted
// write, bumps the generation and notifies subscribers synchronously before
// returning.
func (s *Store) write(apply func() bool) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !apply() {
		s.mu.Unlock()
		return false
	}
	s.generation++
	snapshot := s.viewLocked()
	callbacks := make([]SubscriberFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(snapshot)
	}
	return true
}

func (s *Store) replaceAll(devices []fleet.Device, inventory []fleet.InventoryItem, replaceInventory bool) {
	s.write(func() bool {
		next := make(map[string]fleet.Device, len(devices))
		for _, device := range devices {
			next[device.PCID] = device.Clone()
		}
		s.devices = next
		if replaceInventory {
			nextInventory := make(map[int64]fleet.InventoryItem, len(inventory))
			for _, item := range inventory {
				nextInventory[item.ID] = item.Clone()
			}
			s.inventory = nextInventory
		}
		s.confirmSatisfiedLocked()
		return true
	})
}

func (s *Store) applyPartial(devices []fleet.Device) {
	if len(devices) == 0 {
		return
	}
	s.write(func() bool {
		for _, device := range devices {
			s.devices[device.PCID] = device.Clone()
		}
		s.confirmSatisfiedLocked()
		return true
	})
}

func (s *Store) applyOptimistic(mutation Mutation, now time.Time) MutationID {
	id := MutationID(uuid.NewString())
	s.write(func() bool {
		s.nextSeq++
		s.pending = append(s.pending, &pendingMutation{
			id:        id,
			seq:       s.nextSeq,
			createdAt: now,
			mutation:  mutation,
		})
		return true
	})
	return id
}

func (s *Store) resolve(id MutationID, outcome Outcome) bool {
	return s.write(func() bool {
		index := -1
		for i, entry := range s.pending {
			if entry.id == id {
				index = i
				break
			}
		}
		if index < 0 {
			return false
		}
		entry := s.pending[index]
		s.pending = append(s.pending[:index], s.pending[index+1:]...)
		if outcome.Confirmed {
			s.foldConfirmedLocked(entry.mutation, outcome)
		}
		// A rejected mutation needs no further work: dropping the ledger
		// entry reverts the view to the last authoritative values.
		return true
	})
}

func (s *Store) upsertInventory(item fleet.InventoryItem) {
	s.write(func() bool {
		s.inventory[item.ID] = item.Clone()
		return true
	})
}

// foldConfirmedLocked moves a confirmed mutation's values into the
// authoritative state so the view does not flicker back to stale data while
// waiting for the next snapshot.
func (s *Store) foldConfirmedLocked(mutation Mutation, outcome Outcome) {
	switch mutation.Kind {
	case EntityKindSession:
		if outcome.Session != nil {
			s.foldSessionLocked(*outcome.Session)
			return
		}
		pcID, device, ok := s.deviceBySessionLocked(mutation.SessionID)
		if !ok {
			return
		}
		session := device.ActiveSession.Clone()
		mutation.Session.applyTo(&session)
		if session.EndAt != nil {
			device.ActiveSession = nil
		} else {
			device.ActiveSession = &session
		}
		s.devices[pcID] = device
	case EntityKindInventory:
		if mutation.Inventory.Delete {
			delete(s.inventory, mutation.ItemID)
			return
		}
		if outcome.Inventory != nil {
			s.inventory[outcome.Inventory.ID] = outcome.Inventory.Clone()
			return
		}
		item, ok := s.inventory[mutation.ItemID]
		if !ok {
			return
		}
		updated := item.Clone()
		mutation.Inventory.applyTo(&updated)
		s.inventory[mutation.ItemID] = updated
	}
}

func (s *Store) foldSessionLocked(session fleet.Session) {
	device, ok := s.devices[session.PCID]
	if !ok {
		return
	}
	updated := device.Clone()
	if session.EndAt == nil {
		clone := session.Clone()
		updated.ActiveSession = &clone
	} else if updated.ActiveSession != nil && updated.ActiveSession.ID == session.ID {
		updated.ActiveSession = nil
	}
	s.devices[session.PCID] = updated
}

// confirmSatisfiedLocked drops pending mutations whose intended values are
// already reflected by the authoritative state, resolving them without a
// mutation response.
func (s *Store) confirmSatisfiedLocked() {
	remaining := s.pending[:0]
	for _, entry := range s.pending {
		if !s.satisfiedLocked(entry.mutation) {
			remaining = append(remaining, entry)
		}
	}
	s.pending = remaining
}

func (s *Store) satisfiedLocked(mutation Mutation) bool {
	switch mutation.Kind {
	case EntityKindSession:
		_, device, ok := s.deviceBySessionLocked(mutation.SessionID)
		if !ok {
			// The session is no longer embedded anywhere; a pending close is
			// thereby confirmed. Other edits stay pending until resolved.
			return mutation.Session.EndAt != nil
		}
		return mutation.Session.satisfiedBy(*device.ActiveSession)
	case EntityKindInventory:
		item, ok := s.inventory[mutation.ItemID]
		if !ok {
			return mutation.Inventory.Delete
		}
		return mutation.Inventory.satisfiedBy(item)
	}
	return false
}

func (s *Store) deviceBySessionLocked(sessionID int64) (string, fleet.Device, bool) {
	for pcID, device := range s.devices {
		if device.ActiveSession != nil && device.ActiveSession.ID == sessionID {
			return pcID, device.Clone(), true
		}
	}
	return "", fleet.Device{}, false
}

// viewLocked builds the reader-facing view: authoritative data with pending
// optimistic mutations applied in registration order.
func (s *Store) viewLocked() Snapshot {
	devices := make(map[string]fleet.Device, len(s.devices))
	for pcID, device := range s.devices {
		devices[pcID] = device.Clone()
	}
	inventory := make(map[int64]fleet.InventoryItem, len(s.inventory))
	for id, item := range s.inventory {
		inventory[id] = item.Clone()
	}

	for _, entry := range s.pending {
		applyPendingToView(devices, inventory, entry.mutation)
	}

	snapshot := Snapshot{
		Devices:    make([]fleet.Device, 0, len(devices)),
		Inventory:  make([]fleet.InventoryItem, 0, len(inventory)),
		Generation: s.generation,
	}
	for _, device := range devices {
		snapshot.Devices = append(snapshot.Devices, device)
	}
	for _, item := range inventory {
		snapshot.Inventory = append(snapshot.Inventory, item)
	}
	sort.Slice(snapshot.Devices, func(i, j int) bool {
		return snapshot.Devices[i].PCID < snapshot.Devices[j].PCID
	})
	sort.Slice(snapshot.Inventory, func(i, j int) bool {
		left, right := snapshot.Inventory[i], snapshot.Inventory[j]
		if left.Name != right.Name {
			return left.Name < right.Name
		}
		return left.ID < right.ID
	})
	return snapshot
}

func applyPendingToView(devices map[string]fleet.Device, inventory map[int64]fleet.InventoryItem, mutation Mutation) {
	switch mutation.Kind {
	case EntityKindSession:
		for pcID, device := range devices {
			if device.ActiveSession == nil || device.ActiveSession.ID != mutation.SessionID {
				continue
			}
			session := device.ActiveSession.Clone()
			mutation.Session.applyTo(&session)
			if session.EndAt != nil {
				// A closed session is no longer embedded; the device shows idle.
				device.ActiveSession = nil
			} else {
				device.ActiveSession = &session
			}
			devices[pcID] = device
			return
		}
	case EntityKindInventory:
		if mutation.Inventory.Delete {
			delete(inventory, mutation.ItemID)
			return
		}
		item, ok := inventory[mutation.ItemID]
		if !ok {
			return
		}
		updated := item.Clone()
		mutation.Inventory.applyTo(&updated)
		inventory[mutation.ItemID] = updated
	}
}
