package state

import (
	"testing"
	"time"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDevice(pcID string, session *fleet.Session) fleet.Device {
	var deviceID int64 = 1
	if session != nil {
		deviceID = session.ID
	}
	return fleet.Device{
		ID:            deviceID,
		PCID:          pcID,
		ClientUUID:    pcID + "-uuid",
		LastSeenAt:    testBase,
		Status:        fleet.DeviceStatusOnline,
		ActiveSession: session,
	}
}

func testSession(id int64, pcID string) *fleet.Session {
	user := "alice"
	return &fleet.Session{
		ID:         id,
		PCID:       pcID,
		UserName:   &user,
		StartAt:    testBase.Add(-time.Hour),
		PaidStatus: fleet.PaidStatusUnpaid,
	}
}

func testItem(id int64, name string, quantity int64) fleet.InventoryItem {
	return fleet.InventoryItem{ID: id, Name: name, Quantity: quantity, PricePerUnit: 2.5}
}

func newTestReconciler(t *testing.T) (*Store, *Reconciler) {
	t.Helper()
	store := NewStore()
	reconciler, err := NewReconciler(ReconcilerConfig{
		Store: store,
		Clock: func() time.Time { return testBase },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store, reconciler
}
