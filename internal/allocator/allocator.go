// Package allocator implements the capacity allocation and waitlist-promotion
// engine. All functions are pure: they operate on an in-memory Snapshot of an
// event's registrations and return decisions or change plans without touching
// storage. The repository layer applies the results inside a single
// transaction per operation.
package allocator

import "waitlist-backend/internal/model"

// Snapshot is the allocator's view of one event: its capacity numbers and
// every registration row currently in the ledger for it.
type Snapshot struct {
	Slots    int
	NewSlots int
	Regs     []model.Registration
}

// RegisteredWeight returns the capacity consumed by the Registered bucket:
// one seat per registrant plus their guests.
func (s Snapshot) RegisteredWeight() int {
	return weight(s.Regs, model.StateRegistered)
}

// NewWeight returns the capacity consumed by the New bucket.
func (s Snapshot) NewWeight() int {
	return weight(s.Regs, model.StateNew)
}

// WaitWeight returns the seats-plus-guests total of both waitlists.
func (s Snapshot) WaitWeight() int {
	return weight(s.Regs, model.StateWaiting) + weight(s.Regs, model.StateWaitingNew)
}

func weight(regs []model.Registration, state model.State) int {
	w := 0
	for _, r := range regs {
		if r.State == state {
			w += 1 + r.Guests
		}
	}
	return w
}

// nextSlot returns the next free ordinal on the general track: one past the
// highest slot held by any waiting registrant, or 0 if the track is empty.
func (s Snapshot) nextSlot() int {
	next := 0
	for _, r := range s.Regs {
		if r.State.OnWaitlist() && r.Slot+1 > next {
			next = r.Slot + 1
		}
	}
	return next
}

// nextNewSlot returns the next free ordinal on the new-member track.
func (s Snapshot) nextNewSlot() int {
	next := 0
	for _, r := range s.Regs {
		if r.State == model.StateWaitingNew && r.NewSlot+1 > next {
			next = r.NewSlot + 1
		}
	}
	return next
}

// ComputeSlot decides where a new registration lands. The rules apply in
// order, first match wins:
//
//  1. The general bucket has room for the registrant and their guests:
//     Registered, no ordinal.
//  2. The user is new and the event reserves new-member seats: New if that
//     reservation has room, otherwise WaitingNew with a position on both
//     tracks.
//  3. Otherwise Waiting with the next general-track position.
//
// The +1 in each capacity comparison is the registrant's own seat. ComputeSlot
// never mutates the snapshot; calling it twice yields the same placement.
func ComputeSlot(s Snapshot, isNew bool, guests int) model.Placement {
	if s.RegisteredWeight()+guests+1 <= s.Slots {
		return model.Placement{State: model.StateRegistered}
	}

	if isNew && s.NewSlots > 0 {
		if s.NewWeight()+guests+1 <= s.NewSlots {
			return model.Placement{State: model.StateNew}
		}
		return model.Placement{
			State:   model.StateWaitingNew,
			Slot:    s.nextSlot(),
			NewSlot: s.nextNewSlot(),
		}
	}

	return model.Placement{State: model.StateWaiting, Slot: s.nextSlot()}
}

// ChangeGuestsOK reports whether reg may change its guest count to newGuests.
// Waiting registrants consume no reserved capacity yet, so they may always
// change. A seated registrant must still fit their bucket with the bucket's
// weight recomputed without their own current row.
func ChangeGuestsOK(s Snapshot, reg model.Registration, newGuests int) bool {
	switch reg.State {
	case model.StateRegistered:
		others := s.RegisteredWeight() - (1 + reg.Guests)
		return others+newGuests+1 <= s.Slots
	case model.StateNew:
		others := s.NewWeight() - (1 + reg.Guests)
		return others+newGuests+1 <= s.NewSlots
	default:
		return true
	}
}

// Change is one row update produced by a departure cascade: the registrant's
// final state and ordinals after all promotions and shifts.
type Change struct {
	UserID  string
	State   model.State
	Slot    int
	NewSlot int
}

// Promoted reports whether the change seats a previously waiting registrant.
func (c Change) Promoted() bool {
	return c.State.Seated()
}

// PlanDeparture computes the cascade after departed's row has left the
// ledger. s.Regs must be the remaining registrations (without departed).
// The returned changes, applied together, keep both ordinal sequences
// contiguous from 0 and never overfill a seated bucket.
func PlanDeparture(s Snapshot, departed model.Registration) []Change {
	regs := make([]model.Registration, len(s.Regs))
	copy(regs, s.Regs)
	changed := make(map[int]bool)

	switch departed.State {
	case model.StateRegistered:
		moveUpRegister(regs, s.Slots, changed)
	case model.StateNew:
		moveUpNew(regs, s.NewSlots, changed)
	case model.StateWaiting:
		shiftGeneral(regs, departed.Slot, changed)
	case model.StateWaitingNew:
		shiftGeneral(regs, departed.Slot, changed)
		shiftNewTrack(regs, departed.NewSlot, changed)
	case model.StateRejected:
		// A rejected row held no seat and no ordinal.
	}

	changes := make([]Change, 0, len(changed))
	for i, r := range regs {
		if changed[i] {
			changes = append(changes, Change{
				UserID:  r.UserID,
				State:   r.State,
				Slot:    r.Slot,
				NewSlot: r.NewSlot,
			})
		}
	}
	return changes
}

// moveUpRegister promotes waiting registrants into the Registered bucket
// while the next in line fits, front of the general queue first. Each
// promotion closes the promoted position's gap on the general track; a
// promoted WaitingNew registrant keeps their recorded new_slot value but no
// longer counts as waiting, so the new track is compacted behind them.
func moveUpRegister(regs []model.Registration, slots int, changed map[int]bool) {
	for {
		ci := frontOfGeneral(regs)
		if ci < 0 || weight(regs, model.StateRegistered)+regs[ci].Guests+1 > slots {
			return
		}

		freedSlot := regs[ci].Slot
		fromNewTrack := regs[ci].State == model.StateWaitingNew
		freedNewSlot := regs[ci].NewSlot

		regs[ci].State = model.StateRegistered
		regs[ci].Slot = 0
		changed[ci] = true

		for i := range regs {
			if i == ci {
				continue
			}
			if regs[i].State.OnWaitlist() && regs[i].Slot > freedSlot {
				regs[i].Slot--
				changed[i] = true
			}
			if fromNewTrack && regs[i].State == model.StateWaitingNew && regs[i].NewSlot > freedNewSlot {
				regs[i].NewSlot--
				changed[i] = true
			}
		}
	}
}

// moveUpNew promotes WaitingNew registrants into the New bucket while the
// next in line fits, front of the new-member queue first. A promoted
// registrant leaves both queues, so both tracks are compacted.
func moveUpNew(regs []model.Registration, newSlots int, changed map[int]bool) {
	for {
		ci := frontOfNewTrack(regs)
		if ci < 0 || weight(regs, model.StateNew)+regs[ci].Guests+1 > newSlots {
			return
		}

		freedSlot := regs[ci].Slot
		freedNewSlot := regs[ci].NewSlot

		regs[ci].State = model.StateNew
		regs[ci].Slot = 0
		regs[ci].NewSlot = 0
		changed[ci] = true

		for i := range regs {
			if i == ci {
				continue
			}
			if regs[i].State.OnWaitlist() && regs[i].Slot > freedSlot {
				regs[i].Slot--
				changed[i] = true
			}
			if regs[i].State == model.StateWaitingNew && regs[i].NewSlot > freedNewSlot {
				regs[i].NewSlot--
				changed[i] = true
			}
		}
	}
}

// frontOfGeneral returns the index of the waiting registrant with the lowest
// general-track slot, or -1 if no one is waiting.
func frontOfGeneral(regs []model.Registration) int {
	ci := -1
	for i, r := range regs {
		if !r.State.OnWaitlist() {
			continue
		}
		if ci < 0 || r.Slot < regs[ci].Slot {
			ci = i
		}
	}
	return ci
}

// frontOfNewTrack returns the index of the WaitingNew registrant with the
// lowest new-track slot, or -1 if none.
func frontOfNewTrack(regs []model.Registration) int {
	ci := -1
	for i, r := range regs {
		if r.State != model.StateWaitingNew {
			continue
		}
		if ci < 0 || r.NewSlot < regs[ci].NewSlot {
			ci = i
		}
	}
	return ci
}

// shiftGeneral closes the general-track gap left at fromSlot.
func shiftGeneral(regs []model.Registration, fromSlot int, changed map[int]bool) {
	for i := range regs {
		if regs[i].State.OnWaitlist() && regs[i].Slot >= fromSlot && regs[i].Slot > 0 {
			regs[i].Slot--
			changed[i] = true
		}
	}
}

// shiftNewTrack closes the new-member-track gap left at fromNewSlot.
func shiftNewTrack(regs []model.Registration, fromNewSlot int, changed map[int]bool) {
	for i := range regs {
		if regs[i].State == model.StateWaitingNew && regs[i].NewSlot >= fromNewSlot && regs[i].NewSlot > 0 {
			regs[i].NewSlot--
			changed[i] = true
		}
	}
}
