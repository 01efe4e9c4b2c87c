package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

var (
	// ErrInvalidMutation indicates a mutation with no target or no field changes.
	ErrInvalidMutation = errors.New("state: invalid mutation")
)

// MutationID identifies one registered optimistic mutation.
type MutationID string

// EntityKind names the entity class a mutation targets.
type EntityKind string

const (
	// EntityKindSession targets a usage session.
	EntityKindSession EntityKind = "session"
	// EntityKindInventory targets an inventory item.
	EntityKindInventory EntityKind = "inventory"
)

// SessionChange captures the field-level intent of a session mutation.
// Nil fields are untouched.
type SessionChange struct {
	UserName   *string
	EndAt      *time.Time
	PaidStatus *fleet.PaidStatus
	AmountPaid *float64
	Notes      *string
}

// Empty reports whether the change touches no fields.
func (c SessionChange) Empty() bool {
	return c.UserName == nil && c.EndAt == nil && c.PaidStatus == nil &&
		c.AmountPaid == nil && c.Notes == nil
}

func (c SessionChange) applyTo(session *fleet.Session) {
	if c.UserName != nil {
		value := *c.UserName
		session.UserName = &value
	}
	if c.EndAt != nil {
		value := *c.EndAt
		session.EndAt = &value
	}
	if c.PaidStatus != nil {
		session.PaidStatus = *c.PaidStatus
	}
	if c.AmountPaid != nil {
		value := *c.AmountPaid
		session.AmountPaid = &value
	}
	if c.Notes != nil {
		value := *c.Notes
		session.Notes = &value
	}
}

func (c SessionChange) satisfiedBy(session fleet.Session) bool {
	if c.EndAt != nil && session.EndAt == nil {
		return false
	}
	if c.PaidStatus != nil && session.PaidStatus != *c.PaidStatus {
		return false
	}
	if c.UserName != nil && !pointerEqual(session.UserName, c.UserName) {
		return false
	}
	if c.AmountPaid != nil && !pointerEqual(session.AmountPaid, c.AmountPaid) {
		return false
	}
	if c.Notes != nil && !pointerEqual(session.Notes, c.Notes) {
		return false
	}
	return true
}

// InventoryChange captures the field-level intent of an inventory mutation.
// Nil fields are untouched; Delete removes the item.
type InventoryChange struct {
	Name          *string
	Quantity      *int64
	ExpectedStock *int64
	PricePerUnit  *float64
	Delete        bool
}

// Empty reports whether the change touches no fields and does not delete.
func (c InventoryChange) Empty() bool {
	return !c.Delete && c.Name == nil && c.Quantity == nil &&
		c.ExpectedStock == nil && c.PricePerUnit == nil
}

func (c InventoryChange) applyTo(item *fleet.InventoryItem) {
	if c.Name != nil {
		item.Name = *c.Name
	}
	if c.Quantity != nil {
		quantity := *c.Quantity
		if quantity < 0 {
			quantity = 0
		}
		item.Quantity = quantity
	}
	if c.ExpectedStock != nil {
		value := *c.ExpectedStock
		item.ExpectedStock = &value
	}
	if c.PricePerUnit != nil {
		item.PricePerUnit = *c.PricePerUnit
	}
}

func (c InventoryChange) satisfiedBy(item fleet.InventoryItem) bool {
	if c.Delete {
		return false
	}
	if c.Name != nil && item.Name != *c.Name {
		return false
	}
	if c.Quantity != nil && item.Quantity != *c.Quantity {
		return false
	}
	if c.ExpectedStock != nil && !pointerEqual(item.ExpectedStock, c.ExpectedStock) {
		return false
	}
	if c.PricePerUnit != nil && item.PricePerUnit != *c.PricePerUnit {
		return false
	}
	return true
}

// Mutation describes one optimistic intent targeting a single entity.
type Mutation struct {
	Kind      EntityKind
	SessionID int64
	ItemID    int64
	Session   *SessionChange
	Inventory *InventoryChange
}

// NewSessionMutation builds a mutation targeting the session with the given id.
func NewSessionMutation(sessionID int64, change SessionChange) Mutation {
	return Mutation{Kind: EntityKindSession, SessionID: sessionID, Session: &change}
}

// NewInventoryMutation builds a mutation targeting the inventory item with the given id.
func NewInventoryMutation(itemID int64, change InventoryChange) Mutation {
	return Mutation{Kind: EntityKindInventory, ItemID: itemID, Inventory: &change}
}

func (m Mutation) validate() error {
	switch m.Kind {
	case EntityKindSession:
		if m.SessionID <= 0 {
			return fmt.Errorf("%w: non-positive session id %d", ErrInvalidMutation, m.SessionID)
		}
		if m.Session == nil || m.Session.Empty() {
			return fmt.Errorf("%w: session mutation touches no fields", ErrInvalidMutation)
		}
	case EntityKindInventory:
		if m.ItemID <= 0 {
			return fmt.Errorf("%w: non-positive item id %d", ErrInvalidMutation, m.ItemID)
		}
		if m.Inventory == nil || m.Inventory.Empty() {
			return fmt.Errorf("%w: inventory mutation touches no fields", ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidMutation, m.Kind)
	}
	return nil
}

// Outcome resolves a registered optimistic mutation. When Confirmed, the
// authoritative entity from the mutation response (if any) is folded into the
// store; otherwise the mutated fields revert to the last authoritative values.
type Outcome struct {
	Confirmed bool
	Session   *fleet.Session
	Inventory *fleet.InventoryItem
}

type pendingMutation struct {
	id        MutationID
	seq       int64
	createdAt time.Time
	mutation  Mutation
}

func pointerEqual[T comparable](left, right *T) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}
