package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMonitor_DropsDuplicateTransitions(t *testing.T) {
	req := require.New(t)
	m := newStatusMonitor()
	rec := &statusRecorder{}
	m.subscribe(rec.record)

	m.set(RoomAttaching, nil)
	m.set(RoomAttaching, nil)
	m.set(RoomAttached, nil)

	req.Equal([]RoomStatus{RoomAttaching, RoomAttached}, rec.statuses())
}

func TestStatusMonitor_SameStatusNewErrorIsDelivered(t *testing.T) {
	req := require.New(t)
	m := newStatusMonitor()
	rec := &statusRecorder{}
	m.subscribe(rec.record)

	first := errors.New("first outage")
	second := errors.New("second outage")
	m.set(RoomSuspended, first)
	m.set(RoomSuspended, first)
	m.set(RoomSuspended, second)

	req.Equal([]RoomStatus{RoomSuspended, RoomSuspended}, rec.statuses())
	req.Equal(second, m.Err())
}

func TestStatusMonitor_ChangeCarriesPrevious(t *testing.T) {
	req := require.New(t)
	m := newStatusMonitor()

	var got StatusChange
	m.subscribe(func(sc StatusChange) { got = sc })
	m.set(RoomAttaching, nil)

	req.Equal(RoomAttaching, got.Current)
	req.Equal(RoomInitialized, got.Previous)
}

func TestStatusMonitor_DisposerRemovesListener(t *testing.T) {
	req := require.New(t)
	m := newStatusMonitor()
	rec := &statusRecorder{}
	off := m.subscribe(rec.record)

	m.set(RoomAttaching, nil)
	off()
	m.set(RoomAttached, nil)

	req.Equal([]RoomStatus{RoomAttaching}, rec.statuses())
}

func TestStatusMonitor_OffAllSparesInternalWaits(t *testing.T) {
	req := require.New(t)
	m := newStatusMonitor()
	rec := &statusRecorder{}
	m.subscribe(rec.record)
	wait := m.waitFor(RoomReleased, RoomFailed)

	// When all public listeners are removed
	m.offAll()
	m.set(RoomAttaching, nil)
	m.set(RoomReleased, nil)

	// Then the public listener saw nothing but the internal wait still fired
	req.Empty(rec.statuses())
	select {
	case change := <-wait:
		req.Equal(RoomReleased, change.Current)
	default:
		t.Fatal("internal wait did not fire")
	}
}

func TestStatusMonitor_WaitForIsOneShot(t *testing.T) {
	req := require.New(t)
	m := newStatusMonitor()
	wait := m.waitFor(RoomAttached)

	m.set(RoomAttaching, nil)
	select {
	case <-wait:
		t.Fatal("fired on a non-matching status")
	default:
	}

	m.set(RoomAttached, nil)
	change := <-wait
	req.Equal(RoomAttached, change.Current)
	req.Equal(RoomAttaching, change.Previous)

	// A later matching transition goes nowhere
	m.set(RoomDetached, nil)
	m.set(RoomAttached, nil)
	select {
	case <-wait:
		t.Fatal("one-shot wait fired twice")
	default:
	}
}
