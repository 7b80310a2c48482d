// Package servicetest provides in-memory implementations of the service
// collaborators for tests. The ledger runs the real allocation engine over a
// map, mirroring what the postgres repository does inside its transactions.
package servicetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"waitlist-backend/internal/allocator"
	"waitlist-backend/internal/model"
	"waitlist-backend/internal/repository"
)

// Store is a single in-memory backend implementing EventStore, Ledger,
// Profiles and AuditTrail, so one instance carries a whole test scenario.
type Store struct {
	mu       sync.Mutex
	events   map[string]model.Event
	regs     map[string]map[string]model.Registration // eventID -> userID
	newUsers map[string]bool
	actions  []model.UserAction
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:   map[string]model.Event{},
		regs:     map[string]map[string]model.Registration{},
		newUsers: map[string]bool{},
	}
}

// SetUserNew marks a user as a first-time attendee.
func (s *Store) SetUserNew(userID string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newUsers[userID] = isNew
}

// Actions returns a copy of the audit log.
func (s *Store) Actions() []model.UserAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UserAction, len(s.actions))
	copy(out, s.actions)
	return out
}

func (s *Store) Create(_ context.Context, req model.CreateEventRequest) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := model.Event{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Date:        req.Date,
		Slots:       req.Slots,
		NewSlots:    req.NewSlots,
		Visible:     req.Visible,
		Archived:    req.Archived,
		CreatedAt:   time.Now().UTC(),
	}
	s.events[e.ID] = e
	s.regs[e.ID] = map[string]model.Registration{}
	return &e, nil
}

func (s *Store) List(_ context.Context, admin bool) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Visible || admin {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) GetByID(_ context.Context, id string, admin bool) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getEvent(id, admin)
}

func (s *Store) getEvent(id string, admin bool) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok || (!e.Visible && !admin) {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (s *Store) Dates(ctx context.Context, admin bool) ([]model.EventDate, error) {
	events, err := s.List(ctx, admin)
	if err != nil {
		return nil, err
	}
	dates := make([]model.EventDate, 0, len(events))
	for _, e := range events {
		dates = append(dates, model.EventDate{ID: e.ID, Date: e.Date})
	}
	return dates, nil
}

func (s *Store) Data(_ context.Context, id string, admin bool) (*model.EventData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.getEvent(id, admin)
	if err != nil {
		return nil, err
	}
	snap := s.snapshot(*e)
	return &model.EventData{
		Slots:            e.Slots,
		NewSlots:         e.NewSlots,
		RegisteredWeight: snap.RegisteredWeight(),
		NewWeight:        snap.NewWeight(),
		WaitWeight:       snap.WaitWeight(),
		Description:      e.Description,
	}, nil
}

func (s *Store) Get(_ context.Context, eventID, userID string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[eventID][userID]
	if !ok {
		return nil, repository.ErrNotRegistered
	}
	return &reg, nil
}

func (s *Store) ListByEvent(_ context.Context, eventID string) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(eventID), nil
}

func (s *Store) listLocked(eventID string) []model.Registration {
	var out []model.Registration
	for _, r := range s.regs[eventID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.State != b.State {
			return a.State.Less(b.State)
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		return a.UserID < b.UserID
	})
	return out
}

func (s *Store) snapshot(e model.Event) allocator.Snapshot {
	var regs []model.Registration
	for _, r := range s.regs[e.ID] {
		regs = append(regs, r)
	}
	return allocator.Snapshot{Slots: e.Slots, NewSlots: e.NewSlots, Regs: regs}
}

func (s *Store) Register(_ context.Context, eventID, userID string, guests int, isNew, admin bool) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.getEvent(eventID, admin)
	if err != nil {
		return nil, err
	}
	if _, ok := s.regs[eventID][userID]; ok {
		return nil, repository.ErrAlreadyRegistered
	}

	p := allocator.ComputeSlot(s.snapshot(*e), isNew, guests)
	reg := model.Registration{
		EventID:   eventID,
		UserID:    userID,
		State:     p.State,
		Slot:      p.Slot,
		NewSlot:   p.NewSlot,
		Guests:    guests,
		CreatedAt: time.Now().UTC(),
	}
	s.regs[eventID][userID] = reg
	s.logLocked(reg, model.ActionRegister)
	return &reg, nil
}

func (s *Store) Unregister(_ context.Context, eventID, userID string) (*model.Registration, []allocator.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	departed, ok := s.regs[eventID][userID]
	if !ok {
		return nil, nil, repository.ErrNotRegistered
	}
	delete(s.regs[eventID], userID)

	changes := allocator.PlanDeparture(s.snapshot(e), departed)
	s.applyLocked(eventID, changes)
	s.logLocked(departed, model.ActionUnregister)
	return &departed, changes, nil
}

func (s *Store) ChangeGuests(_ context.Context, eventID, userID string, guests int) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	reg, ok := s.regs[eventID][userID]
	if !ok {
		return nil, repository.ErrNotRegistered
	}
	if !allocator.ChangeGuestsOK(s.snapshot(e), reg, guests) {
		return nil, repository.ErrCapacityDenied
	}
	reg.Guests = guests
	s.regs[eventID][userID] = reg
	s.logLocked(reg, model.ActionChangeGuests)
	return &reg, nil
}

func (s *Store) SetAttended(_ context.Context, eventID, userID string, attended bool) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[eventID][userID]
	if !ok {
		return nil, repository.ErrNotRegistered
	}
	reg.Attended = attended
	s.regs[eventID][userID] = reg
	s.logLocked(reg, model.ActionAttendance)
	return &reg, nil
}

func (s *Store) Reject(_ context.Context, eventID, userID string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	prior, ok := s.regs[eventID][userID]
	if !ok {
		return nil, repository.ErrNotRegistered
	}

	reg := prior
	reg.State = model.StateRejected
	reg.Slot = 0
	reg.NewSlot = 0
	s.regs[eventID][userID] = reg

	snap := s.snapshot(e)
	others := snap.Regs[:0:0]
	for _, o := range snap.Regs {
		if o.UserID != userID {
			others = append(others, o)
		}
	}
	snap.Regs = others
	s.applyLocked(eventID, allocator.PlanDeparture(snap, prior))
	s.logLocked(prior, model.ActionRejected)
	return &reg, nil
}

func (s *Store) applyLocked(eventID string, changes []allocator.Change) {
	for _, c := range changes {
		reg := s.regs[eventID][c.UserID]
		reg.State = c.State
		reg.Slot = c.Slot
		reg.NewSlot = c.NewSlot
		s.regs[eventID][c.UserID] = reg
	}
}

func (s *Store) IsUserNew(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	isNew, ok := s.newUsers[userID]
	if !ok {
		return true, nil
	}
	return isNew, nil
}

func (s *Store) Append(_ context.Context, entry model.UserAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.New().String()
	s.actions = append(s.actions, entry)
	return nil
}

func (s *Store) ListByUser(_ context.Context, userID string) ([]model.UserAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UserAction
	for _, a := range s.actions {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) logLocked(reg model.Registration, action model.Action) {
	entry := model.ActionFor(reg, action)
	entry.ID = uuid.New().String()
	s.actions = append(s.actions, entry)
}

// MustEvent creates an event or panics; convenience for test setup.
func (s *Store) MustEvent(name string, slots, newSlots int, visible bool) model.Event {
	e, err := s.Create(context.Background(), model.CreateEventRequest{
		Name:     name,
		Date:     time.Now().Add(24 * time.Hour).UTC(),
		Slots:    slots,
		NewSlots: newSlots,
		Visible:  visible,
	})
	if err != nil {
		panic(fmt.Sprintf("servicetest: create event: %v", err))
	}
	return *e
}
