package task

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/ironfleet/conductor/internal/driver"
	"github.com/ironfleet/conductor/internal/gateway"
	"github.com/ironfleet/conductor/internal/structs"
)

func newTestManager(t *testing.T) (*Manager, *gateway.Gateway) {
	t.Helper()
	gw, err := gateway.New()
	must.NoError(t, err)
	registry := driver.NewRegistry(driver.NewMockDriver(hclog.NewNullLogger()))
	return NewManager(gw, registry, "conductor-a", hclog.NewNullLogger()), gw
}

func TestAcquireExclusiveResolvesDriverAndLocks(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	tk, release, err := mgr.AcquireOne(context.Background(), n.ID, false, "")
	must.NoError(t, err)
	defer release()

	must.Eq(t, n.ID, tk.Node().ID)
	must.NotNil(t, tk.Driver(n.ID))

	got, err := gw.GetNodeByID(n.ID)
	must.NoError(t, err)
	must.NotNil(t, got.Reservation)
	must.Eq(t, "conductor-a", *got.Reservation)
}

func TestAcquireExclusiveSnapshotCarriesReservation(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	tk, release, err := mgr.AcquireOne(context.Background(), n.ID, false, "")
	must.NoError(t, err)
	defer release()

	// the in-memory snapshot handed to the caller must already reflect
	// the reservation just taken, so a caller persisting it verbatim
	// (e.g. gateway.UpdateNodeFields) doesn't clobber the lock.
	must.NotNil(t, tk.Node().Reservation)
	must.Eq(t, "conductor-a", *tk.Node().Reservation)
}

func TestAcquireSharedSnapshotHasNoReservation(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	tk, release, err := mgr.AcquireOne(context.Background(), n.ID, true, "")
	must.NoError(t, err)
	defer release()

	must.Nil(t, tk.Node().Reservation)
}

func TestAcquireReleasesOnExit(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	_, release, err := mgr.AcquireOne(context.Background(), n.ID, false, "")
	must.NoError(t, err)
	release()

	got, err := gw.GetNodeByID(n.ID)
	must.NoError(t, err)
	must.Nil(t, got.Reservation)
}

func TestAcquireUnknownDriverFails(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "does-not-exist"})
	must.NoError(t, err)

	_, _, err = mgr.AcquireOne(context.Background(), n.ID, false, "")
	must.Error(t, err)
	var dnf *structs.DriverNotFound
	must.True(t, errors.As(err, &dnf))

	// the failed driver resolution must have released any reservation
	// already taken.
	got, gErr := gw.GetNodeByID(n.ID)
	must.NoError(t, gErr)
	must.Nil(t, got.Reservation)
}

func TestAcquireMultiNodeLockConflictReleasesPriorNodes(t *testing.T) {
	mgr, gw := newTestManager(t)
	n1, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)
	n2, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	// another conductor already holds n2 exclusively.
	must.NoError(t, gw.ReserveNode(n2.ID, "conductor-b"))

	_, _, err = mgr.Acquire(context.Background(), []int64{n1.ID, n2.ID}, false, "")
	must.Error(t, err)
	var locked *structs.NodeLocked
	must.True(t, errors.As(err, &locked))

	got1, gErr := gw.GetNodeByID(n1.ID)
	must.NoError(t, gErr)
	must.Nil(t, got1.Reservation)
}

func TestAcquireSharedDoesNotLock(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	_, release, err := mgr.AcquireOne(context.Background(), n.ID, true, "")
	must.NoError(t, err)
	defer release()

	got, gErr := gw.GetNodeByID(n.ID)
	must.NoError(t, gErr)
	must.Nil(t, got.Reservation)
}

func TestAcquireConflictingExclusive(t *testing.T) {
	mgr, gw := newTestManager(t)
	n, err := gw.CreateNode(&structs.Node{Driver: "mock"})
	must.NoError(t, err)

	_, release1, err := mgr.AcquireOne(context.Background(), n.ID, false, "")
	must.NoError(t, err)
	defer release1()

	mgr2 := NewManager(gw, driver.NewRegistry(driver.NewMockDriver(hclog.NewNullLogger())), "conductor-b", hclog.NewNullLogger())
	_, _, err = mgr2.AcquireOne(context.Background(), n.ID, false, "")
	must.Error(t, err)
	var locked *structs.NodeLocked
	must.True(t, errors.As(err, &locked))
}
