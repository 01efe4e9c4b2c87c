package state

import (
	"testing"
	"time"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

func TestFullSnapshotReplacesDeviceMapping(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot(
		[]fleet.Device{testDevice("PC-01", nil), testDevice("PC-02", nil)},
		[]fleet.InventoryItem{},
		SourcePoll)

	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-02", nil)}, []fleet.InventoryItem{}, SourcePoll)

	snapshot := store.Snapshot()
	if len(snapshot.Devices) != 1 {
		t.Fatalf("expected device absent from full snapshot to be removed, got %d devices", len(snapshot.Devices))
	}
	if snapshot.Devices[0].PCID != "PC-02" {
		t.Fatalf("expected PC-02 to survive, got %s", snapshot.Devices[0].PCID)
	}
}

func TestFullSnapshotWithNilInventoryLeavesInventoryUntouched(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot(
		[]fleet.Device{testDevice("PC-01", nil)},
		[]fleet.InventoryItem{testItem(1, "cola", 10)},
		SourcePoll)

	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", nil)}, nil, SourcePush)

	snapshot := store.Snapshot()
	if len(snapshot.Inventory) != 1 || snapshot.Inventory[0].Quantity != 10 {
		t.Fatalf("expected device-only snapshot to leave inventory untouched, got %+v", snapshot.Inventory)
	}
}

func TestPartialSnapshotNeverDeletesDevices(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot(
		[]fleet.Device{testDevice("PC-01", nil), testDevice("PC-02", nil)},
		[]fleet.InventoryItem{},
		SourcePoll)

	updated := testDevice("PC-02", testSession(9, "PC-02"))
	reconciler.OnPartialSnapshot([]fleet.Device{updated})

	snapshot := store.Snapshot()
	if len(snapshot.Devices) != 2 {
		t.Fatalf("expected partial update to keep both devices, got %d", len(snapshot.Devices))
	}
	device, _ := snapshot.Device("PC-02")
	if device.ActiveSession == nil || device.ActiveSession.ID != 9 {
		t.Fatalf("expected PC-02 to carry session 9, got %+v", device.ActiveSession)
	}
}

func TestMalformedEntriesDroppedIndividually(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	broken := testDevice("PC-02", nil)
	broken.Status = "REBOOTING"
	reconciler.OnFullSnapshot(
		[]fleet.Device{testDevice("PC-01", nil), broken},
		[]fleet.InventoryItem{testItem(1, "cola", 3), {ID: 2, Name: "", Quantity: 1}},
		SourcePoll)

	snapshot := store.Snapshot()
	if len(snapshot.Devices) != 1 || snapshot.Devices[0].PCID != "PC-01" {
		t.Fatalf("expected only the valid device to land, got %+v", snapshot.Devices)
	}
	if len(snapshot.Inventory) != 1 || snapshot.Inventory[0].ID != 1 {
		t.Fatalf("expected only the valid item to land, got %+v", snapshot.Inventory)
	}
}

func TestOptimisticMutationOverridesStaleSnapshots(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	session := testSession(7, "PC-01")
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", session)}, []fleet.InventoryItem{}, SourcePoll)

	paid := fleet.PaidStatusPaid
	id, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{PaidStatus: &paid}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A stale snapshot still reporting the session unpaid must not clobber
	// the pending value.
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", testSession(7, "PC-01"))}, []fleet.InventoryItem{}, SourcePoll)

	device, _ := store.Snapshot().Device("PC-01")
	if device.ActiveSession.PaidStatus != fleet.PaidStatusPaid {
		t.Fatalf("expected pending paid status to stay visible, got %s", device.ActiveSession.PaidStatus)
	}
	if store.PendingCount() != 1 {
		t.Fatalf("expected mutation still pending, got %d", store.PendingCount())
	}

	if !reconciler.Resolve(id, Outcome{Confirmed: true}) {
		t.Fatalf("expected resolve to settle the pending mutation")
	}
}

func TestSnapshotConfirmsSatisfiedPendingMutation(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", testSession(7, "PC-01"))}, []fleet.InventoryItem{}, SourcePoll)

	paid := fleet.PaidStatusPaid
	if _, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{PaidStatus: &paid})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	confirmed := testSession(7, "PC-01")
	confirmed.PaidStatus = fleet.PaidStatusPaid
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", confirmed)}, []fleet.InventoryItem{}, SourcePoll)

	if store.PendingCount() != 0 {
		t.Fatalf("expected snapshot to confirm the pending mutation, got %d pending", store.PendingCount())
	}
	device, _ := store.Snapshot().Device("PC-01")
	if device.ActiveSession.PaidStatus != fleet.PaidStatusPaid {
		t.Fatalf("expected paid status to persist, got %s", device.ActiveSession.PaidStatus)
	}
}

func TestRejectedMutationRevertsExactly(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", testSession(7, "PC-01"))}, []fleet.InventoryItem{}, SourcePoll)
	before := store.Generation()

	paid := fleet.PaidStatusPaid
	id, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{PaidStatus: &paid}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reconciler.Resolve(id, Outcome{Confirmed: false}) {
		t.Fatalf("expected resolve to find the pending mutation")
	}

	device, _ := store.Snapshot().Device("PC-01")
	if device.ActiveSession.PaidStatus != fleet.PaidStatusUnpaid {
		t.Fatalf("expected rollback to the authoritative value, got %s", device.ActiveSession.PaidStatus)
	}
	if store.Generation() != before+2 {
		t.Fatalf("expected apply and rollback to each advance the generation, got %d", store.Generation())
	}
	if reconciler.Resolve(id, Outcome{Confirmed: false}) {
		t.Fatalf("expected second resolve of the same mutation to report false")
	}
}

func TestConfirmedMutationDoesNotFlickerBack(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", testSession(7, "PC-01"))}, []fleet.InventoryItem{}, SourcePoll)

	paid := fleet.PaidStatusPaid
	id, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{PaidStatus: &paid}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	confirmed := testSession(7, "PC-01")
	confirmed.PaidStatus = fleet.PaidStatusPaid
	reconciler.Resolve(id, Outcome{Confirmed: true, Session: confirmed})

	// The ledger entry is gone and the value now lives in authoritative state.
	if store.PendingCount() != 0 {
		t.Fatalf("expected no pending mutations, got %d", store.PendingCount())
	}
	device, _ := store.Snapshot().Device("PC-01")
	if device.ActiveSession.PaidStatus != fleet.PaidStatusPaid {
		t.Fatalf("expected confirmed value in the view, got %s", device.ActiveSession.PaidStatus)
	}
}

func TestOptimisticCloseShowsDeviceIdle(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", testSession(7, "PC-01"))}, []fleet.InventoryItem{}, SourcePoll)

	end := testBase
	if _, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{EndAt: &end})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	device, _ := store.Snapshot().Device("PC-01")
	if device.ActiveSession != nil {
		t.Fatalf("expected optimistically closed session to leave the device idle, got %+v", device.ActiveSession)
	}

	// The session disappearing from a later snapshot confirms the close.
	reconciler.OnFullSnapshot([]fleet.Device{testDevice("PC-01", nil)}, []fleet.InventoryItem{}, SourcePoll)
	if store.PendingCount() != 0 {
		t.Fatalf("expected close confirmed by disappearance, got %d pending", store.PendingCount())
	}
}

func TestOptimisticInventoryDeleteHidesItem(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	reconciler.OnFullSnapshot([]fleet.Device{}, []fleet.InventoryItem{testItem(1, "cola", 5)}, SourcePoll)

	id, err := reconciler.ApplyOptimistic(NewInventoryMutation(1, InventoryChange{Delete: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Snapshot().Item(1); ok {
		t.Fatalf("expected optimistically deleted item to be hidden")
	}

	reconciler.Resolve(id, Outcome{Confirmed: true})
	if _, ok := store.Snapshot().Item(1); ok {
		t.Fatalf("expected confirmed delete to remove the item")
	}
}

func TestUpsertInventoryAddsAuthoritativeItem(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	if err := reconciler.UpsertInventory(testItem(3, "water", 12)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item, ok := store.Snapshot().Item(3)
	if !ok || item.Quantity != 12 {
		t.Fatalf("expected upserted item in the view, got %+v", item)
	}

	if err := reconciler.UpsertInventory(fleet.InventoryItem{ID: 0, Name: "bad"}); err == nil {
		t.Fatalf("expected error for invalid item")
	}
}

func TestApplyOptimisticRejectsEmptyMutation(t *testing.T) {
	_, reconciler := newTestReconciler(t)
	if _, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{})); err == nil {
		t.Fatalf("expected error for mutation touching no fields")
	}
	if _, err := reconciler.ApplyOptimistic(NewSessionMutation(0, SessionChange{Notes: stringPointer("x")})); err == nil {
		t.Fatalf("expected error for non-positive session id")
	}
}

// Full lifecycle: two machines, one occupied; the operator closes the session
// and marks it paid while snapshots keep flowing.
func TestSessionLifecycleAcrossProducers(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	reconciler.OnFullSnapshot(
		[]fleet.Device{testDevice("PC-01", testSession(7, "PC-01")), testDevice("PC-02", nil)},
		[]fleet.InventoryItem{testItem(1, "cola", 10)},
		SourcePoll)

	// Operator marks the session paid; the change is visible immediately.
	paid := fleet.PaidStatusPaid
	paidID, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{PaidStatus: &paid}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	device, _ := store.Snapshot().Device("PC-01")
	if device.ActiveSession.PaidStatus != fleet.PaidStatusPaid {
		t.Fatalf("expected immediate paid status, got %s", device.ActiveSession.PaidStatus)
	}

	// A stream update for the other machine arrives mid-flight.
	reconciler.OnPartialSnapshot([]fleet.Device{testDevice("PC-02", testSession(8, "PC-02"))})
	device, _ = store.Snapshot().Device("PC-01")
	if device.ActiveSession.PaidStatus != fleet.PaidStatusPaid {
		t.Fatalf("expected pending paid status to survive unrelated update")
	}

	// The server confirms the payment.
	confirmed := testSession(7, "PC-01")
	confirmed.PaidStatus = fleet.PaidStatusPaid
	reconciler.Resolve(paidID, Outcome{Confirmed: true, Session: confirmed})

	// Operator closes the session; the device shows idle at once.
	end := testBase.Add(time.Minute)
	closeID, err := reconciler.ApplyOptimistic(NewSessionMutation(7, SessionChange{EndAt: &end}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	device, _ = store.Snapshot().Device("PC-01")
	if device.ActiveSession != nil {
		t.Fatalf("expected idle device after optimistic close")
	}

	closed := confirmed.Clone()
	closed.EndAt = &end
	reconciler.Resolve(closeID, Outcome{Confirmed: true, Session: &closed})

	// The next full snapshot agrees with the merged view.
	reconciler.OnFullSnapshot(
		[]fleet.Device{testDevice("PC-01", nil), testDevice("PC-02", testSession(8, "PC-02"))},
		[]fleet.InventoryItem{testItem(1, "cola", 10)},
		SourcePoll)

	snapshot := store.Snapshot()
	if store.PendingCount() != 0 {
		t.Fatalf("expected empty ledger at the end, got %d", store.PendingCount())
	}
	device, _ = snapshot.Device("PC-01")
	if device.ActiveSession != nil {
		t.Fatalf("expected PC-01 idle, got %+v", device.ActiveSession)
	}
	other, _ := snapshot.Device("PC-02")
	if other.ActiveSession == nil || other.ActiveSession.ID != 8 {
		t.Fatalf("expected PC-02 occupied by session 8, got %+v", other.ActiveSession)
	}
}

func stringPointer(value string) *string {
	return &value
}
