package allocator

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitlist-backend/internal/model"
)

// testLedger drives the allocator the way the repository does, but against a
// slice instead of postgres: compute, persist, cascade.
type testLedger struct {
	slots    int
	newSlots int
	regs     []model.Registration
}

func newTestLedger(slots, newSlots int) *testLedger {
	return &testLedger{slots: slots, newSlots: newSlots}
}

func (l *testLedger) snapshot() Snapshot {
	regs := make([]model.Registration, len(l.regs))
	copy(regs, l.regs)
	return Snapshot{Slots: l.slots, NewSlots: l.newSlots, Regs: regs}
}

func (l *testLedger) register(t *testing.T, user string, guests int, isNew bool) model.Placement {
	t.Helper()
	for _, r := range l.regs {
		require.NotEqual(t, user, r.UserID, "duplicate registration for %s", user)
	}
	p := ComputeSlot(l.snapshot(), isNew, guests)
	l.regs = append(l.regs, model.Registration{
		EventID: "e1",
		UserID:  user,
		State:   p.State,
		Slot:    p.Slot,
		NewSlot: p.NewSlot,
		Guests:  guests,
	})
	return p
}

func (l *testLedger) unregister(t *testing.T, user string) {
	t.Helper()
	var departed model.Registration
	found := false
	remaining := l.regs[:0:0]
	for _, r := range l.regs {
		if r.UserID == user {
			departed = r
			found = true
			continue
		}
		remaining = append(remaining, r)
	}
	require.True(t, found, "unregister of unknown user %s", user)
	l.regs = remaining

	snap := l.snapshot()
	for _, c := range PlanDeparture(snap, departed) {
		l.apply(t, c)
	}
}

func (l *testLedger) apply(t *testing.T, c Change) {
	t.Helper()
	for i := range l.regs {
		if l.regs[i].UserID == c.UserID {
			l.regs[i].State = c.State
			l.regs[i].Slot = c.Slot
			l.regs[i].NewSlot = c.NewSlot
			return
		}
	}
	t.Fatalf("change for unknown user %s", c.UserID)
}

func (l *testLedger) get(t *testing.T, user string) model.Registration {
	t.Helper()
	for _, r := range l.regs {
		if r.UserID == user {
			return r
		}
	}
	t.Fatalf("no registration for %s", user)
	return model.Registration{}
}

// checkInvariants asserts the capacity and ordinal-contiguity guarantees that
// must hold after every operation.
func (l *testLedger) checkInvariants(t *testing.T) {
	t.Helper()
	snap := l.snapshot()
	assert.LessOrEqual(t, snap.RegisteredWeight(), l.slots, "registered bucket overfull")
	assert.LessOrEqual(t, snap.NewWeight(), l.newSlots, "new bucket overfull")

	general := map[int]string{}
	newTrack := map[int]string{}
	for _, r := range l.regs {
		if r.State.OnWaitlist() {
			prev, dup := general[r.Slot]
			require.False(t, dup, "slot %d held by both %s and %s", r.Slot, prev, r.UserID)
			general[r.Slot] = r.UserID
		}
		if r.State == model.StateWaitingNew {
			prev, dup := newTrack[r.NewSlot]
			require.False(t, dup, "new_slot %d held by both %s and %s", r.NewSlot, prev, r.UserID)
			newTrack[r.NewSlot] = r.UserID
		}
	}
	for i := 0; i < len(general); i++ {
		assert.Contains(t, general, i, "general track has a gap at %d", i)
	}
	for i := 0; i < len(newTrack); i++ {
		assert.Contains(t, newTrack, i, "new track has a gap at %d", i)
	}
}

func TestComputeSlotSeatsUntilFull(t *testing.T) {
	l := newTestLedger(2, 0)

	assert.Equal(t, model.StateRegistered, l.register(t, "a", 0, false).State)
	assert.Equal(t, model.StateRegistered, l.register(t, "b", 0, false).State)

	p := l.register(t, "c", 0, false)
	assert.Equal(t, model.StateWaiting, p.State)
	assert.Equal(t, 0, p.Slot)

	p = l.register(t, "d", 0, false)
	assert.Equal(t, model.StateWaiting, p.State)
	assert.Equal(t, 1, p.Slot)

	l.checkInvariants(t)
}

func TestComputeSlotCountsGuests(t *testing.T) {
	l := newTestLedger(4, 0)

	// One registrant with two guests consumes three of the four seats.
	assert.Equal(t, model.StateRegistered, l.register(t, "a", 2, false).State)

	// A party of two no longer fits.
	p := l.register(t, "b", 1, false)
	assert.Equal(t, model.StateWaiting, p.State)
	assert.Equal(t, 0, p.Slot)

	// A single registrant still does.
	assert.Equal(t, model.StateRegistered, l.register(t, "c", 0, false).State)
	l.checkInvariants(t)
}

func TestComputeSlotNewTrackReservation(t *testing.T) {
	l := newTestLedger(1, 1)

	assert.Equal(t, model.StateRegistered, l.register(t, "x", 0, false).State)

	p := l.register(t, "y", 0, true)
	assert.Equal(t, model.StateNew, p.State)

	p = l.register(t, "z", 0, true)
	assert.Equal(t, model.StateWaitingNew, p.State)
	assert.Equal(t, 0, p.Slot)
	assert.Equal(t, 0, p.NewSlot)
	l.checkInvariants(t)
}

func TestComputeSlotNewUserWithoutReservationWaitsGenerally(t *testing.T) {
	l := newTestLedger(1, 0)
	l.register(t, "a", 0, false)

	// No new-member reservation exists, so a new user joins the general list.
	p := l.register(t, "b", 0, true)
	assert.Equal(t, model.StateWaiting, p.State)
	assert.Equal(t, 0, p.Slot)
}

func TestComputeSlotWaitingNewHoldsBothTracks(t *testing.T) {
	l := newTestLedger(1, 1)
	l.register(t, "seated", 0, false)
	l.register(t, "newbie", 0, true)
	l.register(t, "w1", 0, false)

	p := l.register(t, "w2", 0, true)
	assert.Equal(t, model.StateWaitingNew, p.State)
	assert.Equal(t, 1, p.Slot, "general position counts both waitlists")
	assert.Equal(t, 0, p.NewSlot)

	p = l.register(t, "w3", 0, true)
	assert.Equal(t, model.StateWaitingNew, p.State)
	assert.Equal(t, 2, p.Slot)
	assert.Equal(t, 1, p.NewSlot)
	l.checkInvariants(t)
}

func TestComputeSlotIsPure(t *testing.T) {
	l := newTestLedger(1, 1)
	l.register(t, "a", 0, false)
	l.register(t, "b", 0, true)

	snap := l.snapshot()
	first := ComputeSlot(snap, true, 2)
	second := ComputeSlot(snap, true, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, l.snapshot(), snap, "snapshot must not be mutated")
}

func TestDeparturePromotesFrontOfWaitlist(t *testing.T) {
	l := newTestLedger(2, 0)
	l.register(t, "a", 0, false)
	l.register(t, "b", 0, false)
	l.register(t, "c", 0, false)

	l.unregister(t, "a")

	c := l.get(t, "c")
	assert.Equal(t, model.StateRegistered, c.State)
	for _, r := range l.regs {
		assert.False(t, r.State.OnWaitlist(), "%s should not be waiting", r.UserID)
	}
	l.checkInvariants(t)
}

func TestDeparturePromotesInQueueOrder(t *testing.T) {
	l := newTestLedger(1, 0)
	l.register(t, "seated", 0, false)
	l.register(t, "first", 0, false)
	l.register(t, "second", 0, false)

	l.unregister(t, "seated")

	assert.Equal(t, model.StateRegistered, l.get(t, "first").State)
	second := l.get(t, "second")
	assert.Equal(t, model.StateWaiting, second.State)
	assert.Equal(t, 0, second.Slot, "queue shifts up after a promotion")
	l.checkInvariants(t)
}

func TestDeparturePromotesPartyWithGuests(t *testing.T) {
	l := newTestLedger(3, 0)
	l.register(t, "a", 2, false)
	l.register(t, "party", 2, false) // needs 3 seats
	l.register(t, "single", 0, false)

	l.unregister(t, "a")

	// Three seats freed, so the party of three is seated.
	assert.Equal(t, model.StateRegistered, l.get(t, "party").State)
	// No room remains for the single, who moves to the front.
	single := l.get(t, "single")
	assert.Equal(t, model.StateWaiting, single.State)
	assert.Equal(t, 0, single.Slot)
	l.checkInvariants(t)
}

func TestDepartureStopsAtFirstNonFitting(t *testing.T) {
	l := newTestLedger(2, 0)
	l.register(t, "a", 1, false)
	l.register(t, "big", 1, false)   // party of two, slot 0
	l.register(t, "small", 0, false) // slot 1

	l.unregister(t, "a")

	// Promotion is strictly front-first: "big" fits and seats, "small" must
	// wait even though it would also have fit alone.
	assert.Equal(t, model.StateRegistered, l.get(t, "big").State)
	small := l.get(t, "small")
	assert.Equal(t, model.StateWaiting, small.State)
	assert.Equal(t, 0, small.Slot)
	l.checkInvariants(t)
}

func TestDepartureChainsMultiplePromotions(t *testing.T) {
	l := newTestLedger(3, 0)
	l.register(t, "a", 2, false)
	l.register(t, "b", 0, false)
	l.register(t, "c", 0, false)
	l.register(t, "d", 0, false)

	l.unregister(t, "a")

	// Three seats free: all three waiters are promoted in one cascade.
	assert.Equal(t, model.StateRegistered, l.get(t, "b").State)
	assert.Equal(t, model.StateRegistered, l.get(t, "c").State)
	assert.Equal(t, model.StateRegistered, l.get(t, "d").State)
	l.checkInvariants(t)
}

func TestNewDeparturePromotesNewTrack(t *testing.T) {
	l := newTestLedger(1, 1)
	l.register(t, "seated", 0, false)
	l.register(t, "n1", 0, true)
	l.register(t, "n2", 0, true)
	l.register(t, "n3", 0, true)

	l.unregister(t, "n1")

	assert.Equal(t, model.StateNew, l.get(t, "n2").State)
	n3 := l.get(t, "n3")
	assert.Equal(t, model.StateWaitingNew, n3.State)
	assert.Equal(t, 0, n3.Slot)
	assert.Equal(t, 0, n3.NewSlot)
	l.checkInvariants(t)
}

func TestWaitingDepartureClosesGeneralGap(t *testing.T) {
	l := newTestLedger(1, 0)
	l.register(t, "seated", 0, false)
	l.register(t, "w0", 0, false)
	l.register(t, "w1", 0, false)
	l.register(t, "w2", 0, false)

	l.unregister(t, "w1")

	assert.Equal(t, 0, l.get(t, "w0").Slot)
	assert.Equal(t, 1, l.get(t, "w2").Slot)
	l.checkInvariants(t)
}

func TestWaitingNewDepartureClosesBothGaps(t *testing.T) {
	l := newTestLedger(1, 1)
	l.register(t, "seated", 0, false)
	l.register(t, "newbie", 0, true)
	l.register(t, "w0", 0, false) // slot 0
	l.register(t, "wn0", 0, true) // slot 1, new_slot 0
	l.register(t, "wn1", 0, true) // slot 2, new_slot 1
	l.register(t, "w1", 0, false) // slot 3

	l.unregister(t, "wn0")

	assert.Equal(t, 0, l.get(t, "w0").Slot)
	wn1 := l.get(t, "wn1")
	assert.Equal(t, 1, wn1.Slot)
	assert.Equal(t, 0, wn1.NewSlot)
	assert.Equal(t, 2, l.get(t, "w1").Slot)
	l.checkInvariants(t)
}

func TestRegisteredDeparturePromotesWaitingNewAndCompactsNewTrack(t *testing.T) {
	l := newTestLedger(1, 1)
	l.register(t, "seated", 0, false)
	l.register(t, "newbie", 0, true)
	l.register(t, "wn0", 0, true) // slot 0, new_slot 0
	l.register(t, "wn1", 0, true) // slot 1, new_slot 1

	l.unregister(t, "seated")

	// The general-track cascade seats wn0 even though they arrived via the
	// new-member path; the new track compacts behind them.
	assert.Equal(t, model.StateRegistered, l.get(t, "wn0").State)
	wn1 := l.get(t, "wn1")
	assert.Equal(t, model.StateWaitingNew, wn1.State)
	assert.Equal(t, 0, wn1.Slot)
	assert.Equal(t, 0, wn1.NewSlot)
	l.checkInvariants(t)
}

func TestRejectedDepartureCascadesNothing(t *testing.T) {
	snap := Snapshot{Slots: 1, NewSlots: 0, Regs: []model.Registration{
		{UserID: "seated", State: model.StateRegistered},
		{UserID: "w0", State: model.StateWaiting, Slot: 0},
	}}
	changes := PlanDeparture(snap, model.Registration{UserID: "gone", State: model.StateRejected})
	assert.Empty(t, changes)
}

func TestChangeGuestsOKDeniesOverCapacity(t *testing.T) {
	snap := Snapshot{Slots: 3, Regs: []model.Registration{
		{UserID: "a", State: model.StateRegistered, Guests: 0},
		{UserID: "b", State: model.StateRegistered, Guests: 0},
	}}

	// 1 other seat + 3 guests + self = 5 > 3.
	assert.False(t, ChangeGuestsOK(snap, snap.Regs[1], 3))
	// 1 other seat + 1 guest + self = 3 fits exactly.
	assert.True(t, ChangeGuestsOK(snap, snap.Regs[1], 1))
}

func TestChangeGuestsOKExcludesOwnRow(t *testing.T) {
	snap := Snapshot{Slots: 4, Regs: []model.Registration{
		{UserID: "a", State: model.StateRegistered, Guests: 2},
	}}

	// Dropping from two guests to one passes even though the current weight
	// plus the new guest would not.
	assert.True(t, ChangeGuestsOK(snap, snap.Regs[0], 3))
	assert.False(t, ChangeGuestsOK(snap, snap.Regs[0], 4))
}

func TestChangeGuestsOKNewBucketChecksNewSlots(t *testing.T) {
	snap := Snapshot{Slots: 1, NewSlots: 2, Regs: []model.Registration{
		{UserID: "seated", State: model.StateRegistered},
		{UserID: "n", State: model.StateNew, Guests: 0},
	}}

	assert.True(t, ChangeGuestsOK(snap, snap.Regs[1], 1))
	assert.False(t, ChangeGuestsOK(snap, snap.Regs[1], 2))
}

func TestChangeGuestsOKAlwaysAllowsWaiting(t *testing.T) {
	snap := Snapshot{Slots: 1, Regs: []model.Registration{
		{UserID: "seated", State: model.StateRegistered},
		{UserID: "w", State: model.StateWaiting, Slot: 0, Guests: 0},
	}}
	assert.True(t, ChangeGuestsOK(snap, snap.Regs[1], 50))
}

// TestInvariantsUnderRandomChurn runs a deterministic random mix of
// registrations and departures and checks the capacity and contiguity
// invariants after every step.
func TestInvariantsUnderRandomChurn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := newTestLedger(5, 2)

	active := map[string]bool{}
	next := 0
	for step := 0; step < 400; step++ {
		if len(active) == 0 || rng.Intn(3) > 0 {
			user := fmt.Sprintf("u%d", next)
			next++
			l.register(t, user, rng.Intn(3), rng.Intn(2) == 0)
			active[user] = true
		} else {
			var user string
			n := rng.Intn(len(active))
			for u := range active {
				if n == 0 {
					user = u
					break
				}
				n--
			}
			l.unregister(t, user)
			delete(active, user)
		}
		l.checkInvariants(t)
	}
}
