// Package model defines the core domain types for the event waitlist backend.
package model

import "time"

// State is the bucket a registration currently occupies. Registered and New
// consume event capacity ("seated"); Waiting and WaitingNew hold ordered
// positions on the general and new-member waitlists; Rejected is terminal and
// counts toward nothing.
type State string

const (
	StateRegistered State = "registered"
	StateWaiting    State = "waiting"
	StateRejected   State = "rejected"
	StateNew        State = "new"
	StateWaitingNew State = "waiting_new"
)

// Valid reports whether s is one of the five known states.
func (s State) Valid() bool {
	switch s {
	case StateRegistered, StateWaiting, StateRejected, StateNew, StateWaitingNew:
		return true
	}
	return false
}

// Seated reports whether the state occupies a capacity-limited slot.
func (s State) Seated() bool {
	return s == StateRegistered || s == StateNew
}

// OnWaitlist reports whether the state holds a position on the general track.
func (s State) OnWaitlist() bool {
	return s == StateWaiting || s == StateWaitingNew
}

// OnNewTrack reports whether the state belongs to the new-member track.
func (s State) OnNewTrack() bool {
	return s == StateNew || s == StateWaitingNew
}

// order maps states to the display ordering used by user listings:
// seated buckets first, then waitlists, rejected last.
func (s State) order() int {
	switch s {
	case StateRegistered:
		return 0
	case StateNew:
		return 1
	case StateWaiting:
		return 2
	case StateWaitingNew:
		return 3
	default:
		return 4
	}
}

// Less orders states for listings (seated before waiting before rejected).
func (s State) Less(other State) bool {
	return s.order() < other.order()
}

// Event represents a dated event with bounded capacity. Slots bounds the
// Registered bucket; NewSlots is an extra reservation for first-time
// attendees. Invisible events are hidden from non-admin callers.
type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Slots       int       `json:"slots"`
	NewSlots    int       `json:"new_slots"`
	Visible     bool      `json:"visible"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registration is the ledger row for one (event, user) pair. Slot and NewSlot
// are zero-based waitlist ordinals, meaningful only while the state is
// Waiting or WaitingNew; Guests is the number of extra seats the registrant
// brings along.
type Registration struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	State     State     `json:"state"`
	Slot      int       `json:"slot"`
	NewSlot   int       `json:"new_slot"`
	Guests    int       `json:"guests"`
	Attended  bool      `json:"attended"`
	CreatedAt time.Time `json:"created_at"`
}

// Action names a mutating ledger operation in the audit log.
type Action string

const (
	ActionRegister     Action = "register"
	ActionUnregister   Action = "unregister"
	ActionGetSlot      Action = "get_slot"
	ActionRejected     Action = "rejected"
	ActionChangeGuests Action = "change_guests"
	ActionAttendance   Action = "attendance"
)

// UserAction is one append-only audit entry, produced once per mutating
// allocator operation. InWaiting and InNew snapshot the registration's track
// membership at the time of the action.
type UserAction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	EventID   string    `json:"event_id"`
	Date      time.Time `json:"date"`
	Action    Action    `json:"action"`
	InWaiting bool      `json:"in_waiting"`
	InNew     bool      `json:"in_new"`
	Guests    int       `json:"guests"`
}

// ActionFor builds the audit entry for an action applied to reg.
func ActionFor(reg Registration, action Action) UserAction {
	return UserAction{
		UserID:    reg.UserID,
		EventID:   reg.EventID,
		Date:      time.Now().UTC(),
		Action:    action,
		InWaiting: reg.State.OnWaitlist(),
		InNew:     reg.State.OnNewTrack(),
		Guests:    reg.Guests,
	}
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Slots       int       `json:"slots"`
	NewSlots    int       `json:"new_slots"`
	Visible     bool      `json:"visible"`
	Archived    bool      `json:"archived"`
}

// RegisterRequest is the payload for registering for an event.
type RegisterRequest struct {
	Guests int `json:"guests"`
}

// GuestsRequest is the payload for changing a registration's guest count.
type GuestsRequest struct {
	Guests int `json:"guests"`
}

// AttendedRequest is the payload for marking attendance.
type AttendedRequest struct {
	Attended bool `json:"attended"`
}

// Placement is the outcome of a slot computation: which bucket a registrant
// lands in, and their waitlist ordinals if waiting.
type Placement struct {
	State   State `json:"state"`
	Slot    int   `json:"slot"`
	NewSlot int   `json:"new_slot"`
}

// EventDate is the id+date pair used by event listings.
type EventDate struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
}

// EventData summarises an event's capacity usage. The weight fields are seat
// counts plus guest counts for the respective buckets.
type EventData struct {
	Slots            int    `json:"slots"`
	NewSlots         int    `json:"new_slots"`
	RegisteredWeight int    `json:"registered_weight"`
	NewWeight        int    `json:"new_weight"`
	WaitWeight       int    `json:"wait_weight"`
	Description      string `json:"description"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
