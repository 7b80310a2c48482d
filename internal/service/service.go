// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the persistence layer. Dependencies are consumed
// through interfaces so tests can substitute in-memory implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"waitlist-backend/internal/allocator"
	"waitlist-backend/internal/model"
	"waitlist-backend/internal/monitoring"
	"waitlist-backend/internal/repository"
)

// EventStore reads and creates events and their capacity summaries.
type EventStore interface {
	Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error)
	List(ctx context.Context, admin bool) ([]model.Event, error)
	GetByID(ctx context.Context, id string, admin bool) (*model.Event, error)
	Dates(ctx context.Context, admin bool) ([]model.EventDate, error)
	Data(ctx context.Context, id string, admin bool) (*model.EventData, error)
}

// Ledger is the registration ledger: the only component allowed to mutate
// registration state, slots or guest counts.
type Ledger interface {
	Get(ctx context.Context, eventID, userID string) (*model.Registration, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.Registration, error)
	Register(ctx context.Context, eventID, userID string, guests int, isNew, admin bool) (*model.Registration, error)
	Unregister(ctx context.Context, eventID, userID string) (*model.Registration, []allocator.Change, error)
	ChangeGuests(ctx context.Context, eventID, userID string, guests int) (*model.Registration, error)
	SetAttended(ctx context.Context, eventID, userID string, attended bool) (*model.Registration, error)
	Reject(ctx context.Context, eventID, userID string) (*model.Registration, error)
}

// Profiles exposes the externally-owned new-member flag.
type Profiles interface {
	IsUserNew(ctx context.Context, userID string) (bool, error)
}

// AuditTrail reads the action history and records read-only actions.
type AuditTrail interface {
	Append(ctx context.Context, entry model.UserAction) error
	ListByUser(ctx context.Context, userID string) ([]model.UserAction, error)
}

// EventService orchestrates event and registration operations.
type EventService struct {
	events   EventStore
	ledger   Ledger
	profiles Profiles
	audit    AuditTrail
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(events EventStore, ledger Ledger, profiles Profiles, audit AuditTrail) *EventService {
	return &EventService{events: events, ledger: ledger, profiles: profiles, audit: audit}
}

// CreateEvent validates the request and delegates to the store.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if req.Slots <= 0 {
		return nil, fmt.Errorf("slots must be a positive integer")
	}
	if req.NewSlots < 0 {
		return nil, fmt.Errorf("new_slots cannot be negative")
	}
	if req.Date.IsZero() {
		return nil, fmt.Errorf("event date is required")
	}
	return s.events.Create(ctx, req)
}

// ListEvents returns all events visible to the caller.
func (s *EventService) ListEvents(ctx context.Context, admin bool) ([]model.Event, error) {
	return s.events.List(ctx, admin)
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string, admin bool) (*model.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("event id is required")
	}
	return s.events.GetByID(ctx, id, admin)
}

// EventDates returns id+date pairs for all events visible to the caller.
func (s *EventService) EventDates(ctx context.Context, admin bool) ([]model.EventDate, error) {
	return s.events.Dates(ctx, admin)
}

// EventData returns an event's capacity summary.
func (s *EventService) EventData(ctx context.Context, id string, admin bool) (*model.EventData, error) {
	if id == "" {
		return nil, fmt.Errorf("event id is required")
	}
	return s.events.Data(ctx, id, admin)
}

// ListEventUsers returns all registrations for an event, seated first, then
// waitlists in queue order.
func (s *EventService) ListEventUsers(ctx context.Context, eventID string, admin bool) ([]model.Registration, error) {
	if _, err := s.events.GetByID(ctx, eventID, admin); err != nil {
		return nil, err
	}
	return s.ledger.ListByEvent(ctx, eventID)
}

// GetEventUser returns one registration.
func (s *EventService) GetEventUser(ctx context.Context, eventID, userID string) (*model.Registration, error) {
	return s.ledger.Get(ctx, eventID, userID)
}

// Register places a user into an event: seated if capacity allows, otherwise
// on the appropriate waitlist track with the next ordinal.
func (s *EventService) Register(ctx context.Context, eventID, userID string, guests int, admin bool) (*model.Registration, error) {
	if err := validatePair(eventID, userID); err != nil {
		return nil, err
	}
	if guests < 0 {
		return nil, fmt.Errorf("guests cannot be negative")
	}

	isNew, err := s.profiles.IsUserNew(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check new-member flag: %w", err)
	}

	reg, err := s.ledger.Register(ctx, eventID, userID, guests, isNew, admin)
	if err != nil {
		return nil, domainErr(err, "register for event")
	}
	monitoring.RecordRegistration(string(reg.State))
	return reg, nil
}

// Unregister removes a user's registration and promotes waiting registrants
// into the freed capacity.
func (s *EventService) Unregister(ctx context.Context, eventID, userID string) (*model.Registration, error) {
	if err := validatePair(eventID, userID); err != nil {
		return nil, err
	}

	departed, changes, err := s.ledger.Unregister(ctx, eventID, userID)
	if err != nil {
		return nil, domainErr(err, "unregister from event")
	}
	monitoring.RecordDeparture(string(departed.State))
	for _, c := range changes {
		if c.Promoted() {
			monitoring.RecordPromotion(string(c.State))
		}
	}
	return departed, nil
}

// ChangeGuests updates a registration's guest count, denying changes that
// would push a seated registrant's bucket over capacity.
func (s *EventService) ChangeGuests(ctx context.Context, eventID, userID string, guests int) (*model.Registration, error) {
	if err := validatePair(eventID, userID); err != nil {
		return nil, err
	}
	if guests < 0 {
		return nil, fmt.Errorf("guests cannot be negative")
	}

	reg, err := s.ledger.ChangeGuests(ctx, eventID, userID, guests)
	if err != nil {
		if errors.Is(err, repository.ErrCapacityDenied) {
			monitoring.RecordGuestChangeDenial()
		}
		return nil, domainErr(err, "change guests")
	}
	return reg, nil
}

// SetAttended marks whether a registrant showed up.
func (s *EventService) SetAttended(ctx context.Context, eventID, userID string, attended bool) (*model.Registration, error) {
	if err := validatePair(eventID, userID); err != nil {
		return nil, err
	}
	reg, err := s.ledger.SetAttended(ctx, eventID, userID, attended)
	if err != nil {
		return nil, domainErr(err, "set attended")
	}
	return reg, nil
}

// Reject moves a registration to the terminal Rejected state (admin only,
// enforced by the HTTP layer) and re-balances the queues it leaves.
func (s *EventService) Reject(ctx context.Context, eventID, userID string) (*model.Registration, error) {
	if err := validatePair(eventID, userID); err != nil {
		return nil, err
	}
	prior, err := s.ledger.Get(ctx, eventID, userID)
	if err != nil {
		return nil, domainErr(err, "reject registration")
	}
	reg, err := s.ledger.Reject(ctx, eventID, userID)
	if err != nil {
		return nil, domainErr(err, "reject registration")
	}
	monitoring.RecordDeparture(string(prior.State))
	return reg, nil
}

// GetSlot computes where a registration attempt would land without persisting
// anything. Calling it repeatedly yields the same answer; only an audit entry
// is recorded.
func (s *EventService) GetSlot(ctx context.Context, eventID, userID string, guests int, admin bool) (*model.Placement, error) {
	if err := validatePair(eventID, userID); err != nil {
		return nil, err
	}
	if guests < 0 {
		return nil, fmt.Errorf("guests cannot be negative")
	}

	event, err := s.events.GetByID(ctx, eventID, admin)
	if err != nil {
		return nil, domainErr(err, "get slot")
	}
	regs, err := s.ledger.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, domainErr(err, "get slot")
	}
	isNew, err := s.profiles.IsUserNew(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check new-member flag: %w", err)
	}

	snap := allocator.Snapshot{Slots: event.Slots, NewSlots: event.NewSlots, Regs: regs}
	p := allocator.ComputeSlot(snap, isNew, guests)

	entry := model.ActionFor(model.Registration{
		EventID: eventID,
		UserID:  userID,
		State:   p.State,
		Guests:  guests,
	}, model.ActionGetSlot)
	if err := s.audit.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("log slot lookup: %w", err)
	}
	return &p, nil
}

// UserActions returns a user's audit history.
func (s *EventService) UserActions(ctx context.Context, userID string) ([]model.UserAction, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.audit.ListByUser(ctx, userID)
}

func validatePair(eventID, userID string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// domainErr surfaces sentinel errors unchanged so handlers can pick the right
// status code, and wraps everything else with operation context.
func domainErr(err error, op string) error {
	if errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrAlreadyRegistered) ||
		errors.Is(err, repository.ErrNotRegistered) ||
		errors.Is(err, repository.ErrCapacityDenied) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
