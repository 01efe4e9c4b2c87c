package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DeviceStatus enumerates connectivity states reported by the backend.
type DeviceStatus string

const (
	// DeviceStatusOnline marks a machine with a recent heartbeat.
	DeviceStatusOnline DeviceStatus = "ONLINE"
	// DeviceStatusOffline marks a machine whose heartbeats stopped.
	DeviceStatusOffline DeviceStatus = "OFFLINE"
)

// PaidStatus enumerates the payment states of a session.
type PaidStatus string

const (
	// PaidStatusUnpaid marks a session that has not been settled.
	PaidStatusUnpaid PaidStatus = "UNPAID"
	// PaidStatusPaid marks a settled session.
	PaidStatusPaid PaidStatus = "PAID"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds bounds.
	ErrInvalidDeviceID = errors.New("fleet: invalid device id")
	// ErrInvalidDevice indicates a device entry that violates the model invariants.
	ErrInvalidDevice = errors.New("fleet: invalid device")
	// ErrInvalidSession indicates a session entry that violates the model invariants.
	ErrInvalidSession = errors.New("fleet: invalid session")
	// ErrInvalidInventoryItem indicates an inventory entry that violates the model invariants.
	ErrInvalidInventoryItem = errors.New("fleet: invalid inventory item")
)

// DeviceID represents a validated, human-assigned machine identifier such as "PC-01".
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// Session models one bounded period of device usage.
type Session struct {
	ID         int64      `json:"id"`
	PCID       string     `json:"pcId"`
	UserName   *string    `json:"userName"`
	StartAt    time.Time  `json:"startAt"`
	EndAt      *time.Time `json:"endAt"`
	PaidStatus PaidStatus `json:"paidStatus"`
	AmountDue  *float64   `json:"amountDue"`
	AmountPaid *float64   `json:"amountPaid"`
	Notes      *string    `json:"notes"`
}

// Active reports whether the session is still open.
func (s Session) Active() bool {
	return s.EndAt == nil
}

// Duration returns the elapsed time for an active session and the fixed
// duration for a closed one. Never negative.
func (s Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndAt != nil {
		end = *s.EndAt
	}
	elapsed := end.Sub(s.StartAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Validate checks the session against the model invariants.
func (s Session) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: non-positive id %d", ErrInvalidSession, s.ID)
	}
	if strings.TrimSpace(s.PCID) == "" {
		return fmt.Errorf("%w: session %d has no device", ErrInvalidSession, s.ID)
	}
	if s.PaidStatus != PaidStatusPaid && s.PaidStatus != PaidStatusUnpaid {
		return fmt.Errorf("%w: session %d has unknown paid status %q", ErrInvalidSession, s.ID, s.PaidStatus)
	}
	if s.StartAt.IsZero() {
		return fmt.Errorf("%w: session %d has no start time", ErrInvalidSession, s.ID)
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	copied := s
	copied.UserName = clonePointer(s.UserName)
	copied.EndAt = clonePointer(s.EndAt)
	copied.AmountDue = clonePointer(s.AmountDue)
	copied.AmountPaid = clonePointer(s.AmountPaid)
	copied.Notes = clonePointer(s.Notes)
	return copied
}

// Device models one tracked machine with at most one embedded active session.
type Device struct {
	ID            int64        `json:"id"`
	PCID          string       `json:"pcId"`
	ClientUUID    string       `json:"clientUuid"`
	LastSeenAt    time.Time    `json:"lastSeenAt"`
	Status        DeviceStatus `json:"status"`
	ActiveSession *Session     `json:"activeSession"`
}

// InUse reports whether the device currently embeds an open session.
func (d Device) InUse() bool {
	return d.ActiveSession != nil && d.ActiveSession.Active()
}

// Validate checks the device against the model invariants: the embedded
// session, when present, must belong to this device and still be open.
func (d Device) Validate() error {
	if _, err := NewDeviceID(d.PCID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}
	if d.Status != DeviceStatusOnline && d.Status != DeviceStatusOffline {
		return fmt.Errorf("%w: device %s has unknown status %q", ErrInvalidDevice, d.PCID, d.Status)
	}
	if d.ActiveSession != nil {
		if err := d.ActiveSession.Validate(); err != nil {
			return err
		}
		if d.ActiveSession.PCID != d.PCID {
			return fmt.Errorf("%w: device %s embeds session %d owned by %s",
				ErrInvalidDevice, d.PCID, d.ActiveSession.ID, d.ActiveSession.PCID)
		}
		if !d.ActiveSession.Active() {
			return fmt.Errorf("%w: device %s embeds closed session %d",
				ErrInvalidDevice, d.PCID, d.ActiveSession.ID)
		}
	}
	return nil
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	copied := d
	if d.ActiveSession != nil {
		session := d.ActiveSession.Clone()
		copied.ActiveSession = &session
	}
	return copied
}

// InventoryItem models one stocked beverage.
type InventoryItem struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Quantity      int64   `json:"quantity"`
	ExpectedStock *int64  `json:"expectedStock,omitempty"`
	PricePerUnit  float64 `json:"pricePerUnit"`
}

// Missing returns how far the on-hand quantity is below the expected stock
// target, floored at zero. Zero when no target is set.
func (i InventoryItem) Missing() int64 {
	if i.ExpectedStock == nil {
		return 0
	}
	missing := *i.ExpectedStock - i.Quantity
	if missing < 0 {
		return 0
	}
	return missing
}

// Validate checks the item against the model invariants.
func (i InventoryItem) Validate() error {
	if i.ID <= 0 {
		return fmt.Errorf("%w: non-positive id %d", ErrInvalidInventoryItem, i.ID)
	}
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: item %d has no name", ErrInvalidInventoryItem, i.ID)
	}
	if i.Quantity < 0 {
		return fmt.Errorf("%w: item %d has negative quantity %d", ErrInvalidInventoryItem, i.ID, i.Quantity)
	}
	return nil
}

// Clone returns a deep copy of the item.
func (i InventoryItem) Clone() InventoryItem {
	copied := i
	copied.ExpectedStock = clonePointer(i.ExpectedStock)
	return copied
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
