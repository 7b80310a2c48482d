// Package repository implements all database access for the waitlist backend.
// It uses pgx directly (no ORM). Every mutating ledger operation runs as a
// single transaction that locks the event row with SELECT ... FOR UPDATE, so
// concurrent registrations against a near-full event serialize and the
// capacity invariant holds. A failure anywhere inside a cascade rolls the
// whole transaction back; the ledger never keeps a partial shift.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waitlist-backend/internal/allocator"
	"waitlist-backend/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRegistered is returned when the same user registers twice.
var ErrAlreadyRegistered = errors.New("user already registered for this event")

// ErrNotRegistered is returned when an operation targets a registration that
// does not exist.
var ErrNotRegistered = errors.New("user not registered for this event")

// ErrCapacityDenied is returned when a guest-count change would push a seated
// registrant's bucket over capacity.
var ErrCapacityDenied = errors.New("guest change exceeds event capacity")

const registrationColumns = `event_id, user_id, state, slot, new_slot, guests, attended, created_at`

// EventRepository handles persistence for events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event and returns it with a generated UUID.
func (r *EventRepository) Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	event := &model.Event{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Date:        req.Date.UTC(),
		Slots:       req.Slots,
		NewSlots:    req.NewSlots,
		Visible:     req.Visible,
		Archived:    req.Archived,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO events (id, name, description, date, slots, new_slots, visible, archived, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.Name, event.Description, event.Date,
		event.Slots, event.NewSlots, event.Visible, event.Archived, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// List returns all events ordered by date. Non-admin callers only see
// visible ones.
func (r *EventRepository) List(ctx context.Context, admin bool) ([]model.Event, error) {
	q := `SELECT id, name, description, date, slots, new_slots, visible, archived, created_at
	      FROM events`
	if !admin {
		q += ` WHERE visible = true`
	}
	q += ` ORDER BY date ASC`

	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.Date,
			&e.Slots, &e.NewSlots, &e.Visible, &e.Archived, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetByID returns a single event or ErrNotFound. Invisible events are
// ErrNotFound for non-admin callers.
func (r *EventRepository) GetByID(ctx context.Context, id string, admin bool) (*model.Event, error) {
	var e model.Event
	err := r.db.QueryRow(ctx,
		`SELECT id, name, description, date, slots, new_slots, visible, archived, created_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.Description, &e.Date,
		&e.Slots, &e.NewSlots, &e.Visible, &e.Archived, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	if !e.Visible && !admin {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Dates returns id+date pairs for all events visible to the caller.
func (r *EventRepository) Dates(ctx context.Context, admin bool) ([]model.EventDate, error) {
	q := `SELECT id, date FROM events`
	if !admin {
		q += ` WHERE visible = true`
	}
	q += ` ORDER BY date ASC`

	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list event dates: %w", err)
	}
	defer rows.Close()

	var dates []model.EventDate
	for rows.Next() {
		var d model.EventDate
		if err := rows.Scan(&d.ID, &d.Date); err != nil {
			return nil, fmt.Errorf("scan event date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// Data returns the capacity summary (slots plus per-bucket weights) for one
// event.
func (r *EventRepository) Data(ctx context.Context, id string, admin bool) (*model.EventData, error) {
	e, err := r.GetByID(ctx, id, admin)
	if err != nil {
		return nil, err
	}

	weights := map[model.State]int{}
	rows, err := r.db.Query(ctx,
		`SELECT state, COUNT(*) + COALESCE(SUM(guests), 0)
		 FROM registrations WHERE event_id = $1 GROUP BY state`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("event weights: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state model.State
		var w int
		if err := rows.Scan(&state, &w); err != nil {
			return nil, fmt.Errorf("scan weight: %w", err)
		}
		weights[state] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &model.EventData{
		Slots:            e.Slots,
		NewSlots:         e.NewSlots,
		RegisteredWeight: weights[model.StateRegistered],
		NewWeight:        weights[model.StateNew],
		WaitWeight:       weights[model.StateWaiting] + weights[model.StateWaitingNew],
		Description:      e.Description,
	}, nil
}

// RegistrationRepository is the registration ledger. It owns every mutation
// of state, slot and new_slot; callers only read or go through its
// operations.
type RegistrationRepository struct {
	db *pgxpool.Pool
}

// NewRegistrationRepository constructs a RegistrationRepository.
func NewRegistrationRepository(db *pgxpool.Pool) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// Get returns the registration for one (event, user) pair or ErrNotRegistered.
func (r *RegistrationRepository) Get(ctx context.Context, eventID, userID string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE event_id = $1 AND user_id = $2`,
		eventID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// ListByEvent returns all registrations for an event, seated buckets first,
// then waitlists in queue order.
func (r *RegistrationRepository) ListByEvent(ctx context.Context, eventID string) ([]model.Registration, error) {
	regs, err := queryRegistrations(ctx, r.db, eventID)
	if err != nil {
		return nil, err
	}
	sortForListing(regs)
	return regs, nil
}

// Register performs a concurrency-safe registration: it locks the event row,
// rejects duplicates, computes the placement from a snapshot of the ledger
// and persists the new row plus its audit entry, all in one transaction.
func (r *RegistrationRepository) Register(ctx context.Context, eventID, userID string, guests int, isNew, admin bool) (reg *model.Registration, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slots, newSlots, err := lockEvent(ctx, tx, eventID, admin)
	if err != nil {
		return nil, err
	}

	var dupCount int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND user_id = $2`,
		eventID, userID,
	).Scan(&dupCount)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if dupCount > 0 {
		return nil, ErrAlreadyRegistered
	}

	regs, err := queryRegistrations(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}

	snap := allocator.Snapshot{Slots: slots, NewSlots: newSlots, Regs: regs}
	p := allocator.ComputeSlot(snap, isNew, guests)

	reg = &model.Registration{
		EventID:   eventID,
		UserID:    userID,
		State:     p.State,
		Slot:      p.Slot,
		NewSlot:   p.NewSlot,
		Guests:    guests,
		Attended:  false,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		reg.EventID, reg.UserID, reg.State, reg.Slot, reg.NewSlot,
		reg.Guests, reg.Attended, reg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert registration: %w", err)
	}

	if err = appendAudit(ctx, tx, model.ActionFor(*reg, model.ActionRegister)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return reg, nil
}

// Unregister deletes the registration and runs the departure cascade:
// promotions into the freed bucket and ordinal shifts on the remaining
// waitlists. Delete, cascade and audit commit atomically.
func (r *RegistrationRepository) Unregister(ctx context.Context, eventID, userID string) (departed *model.Registration, changes []allocator.Change, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Lock with the admin override: leaving an event must work even after it
	// was hidden.
	slots, newSlots, err := lockEvent(ctx, tx, eventID, true)
	if err != nil {
		return nil, nil, err
	}

	departed, err = scanRegistration(tx.QueryRow(ctx,
		`DELETE FROM registrations WHERE event_id = $1 AND user_id = $2
		 RETURNING `+registrationColumns,
		eventID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotRegistered
		}
		return nil, nil, fmt.Errorf("delete registration: %w", err)
	}

	remaining, err := queryRegistrations(ctx, tx, eventID)
	if err != nil {
		return nil, nil, err
	}

	snap := allocator.Snapshot{Slots: slots, NewSlots: newSlots, Regs: remaining}
	changes = allocator.PlanDeparture(snap, *departed)
	if err = applyChanges(ctx, tx, eventID, changes); err != nil {
		return nil, nil, err
	}

	if err = appendAudit(ctx, tx, model.ActionFor(*departed, model.ActionUnregister)); err != nil {
		return nil, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return departed, changes, nil
}

// ChangeGuests updates a registration's guest count. Seated registrants must
// still fit their bucket with the new count (ErrCapacityDenied otherwise);
// waiting registrants change freely. No cascade runs either way.
func (r *RegistrationRepository) ChangeGuests(ctx context.Context, eventID, userID string, guests int) (reg *model.Registration, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slots, newSlots, err := lockEvent(ctx, tx, eventID, true)
	if err != nil {
		return nil, err
	}

	regs, err := queryRegistrations(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	var current *model.Registration
	for i := range regs {
		if regs[i].UserID == userID {
			current = &regs[i]
			break
		}
	}
	if current == nil {
		return nil, ErrNotRegistered
	}

	snap := allocator.Snapshot{Slots: slots, NewSlots: newSlots, Regs: regs}
	if !allocator.ChangeGuestsOK(snap, *current, guests) {
		return nil, ErrCapacityDenied
	}

	reg, err = scanRegistration(tx.QueryRow(ctx,
		`UPDATE registrations SET guests = $3
		 WHERE event_id = $1 AND user_id = $2
		 RETURNING `+registrationColumns,
		eventID, userID, guests,
	))
	if err != nil {
		return nil, fmt.Errorf("update guests: %w", err)
	}

	if err = appendAudit(ctx, tx, model.ActionFor(*reg, model.ActionChangeGuests)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return reg, nil
}

// SetAttended flips a registration's attendance flag and records the action.
func (r *RegistrationRepository) SetAttended(ctx context.Context, eventID, userID string, attended bool) (reg *model.Registration, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	reg, err = scanRegistration(tx.QueryRow(ctx,
		`UPDATE registrations SET attended = $3
		 WHERE event_id = $1 AND user_id = $2
		 RETURNING `+registrationColumns,
		eventID, userID, attended,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("update attended: %w", err)
	}

	if err = appendAudit(ctx, tx, model.ActionFor(*reg, model.ActionAttendance)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return reg, nil
}

// Reject moves a registration to the terminal Rejected state. The row keeps
// existing but stops counting toward any capacity or queue, so the same
// departure cascade as an unregister runs for its prior state.
func (r *RegistrationRepository) Reject(ctx context.Context, eventID, userID string) (reg *model.Registration, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slots, newSlots, err := lockEvent(ctx, tx, eventID, true)
	if err != nil {
		return nil, err
	}

	prior, err := scanRegistration(tx.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE event_id = $1 AND user_id = $2 FOR UPDATE`,
		eventID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}

	reg, err = scanRegistration(tx.QueryRow(ctx,
		`UPDATE registrations SET state = $3, slot = 0, new_slot = 0
		 WHERE event_id = $1 AND user_id = $2
		 RETURNING `+registrationColumns,
		eventID, userID, model.StateRejected,
	))
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}

	remaining, err := queryRegistrations(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	others := remaining[:0:0]
	for _, o := range remaining {
		if o.UserID != userID {
			others = append(others, o)
		}
	}

	snap := allocator.Snapshot{Slots: slots, NewSlots: newSlots, Regs: others}
	if err = applyChanges(ctx, tx, eventID, allocator.PlanDeparture(snap, *prior)); err != nil {
		return nil, err
	}

	if err = appendAudit(ctx, tx, model.ActionFor(*prior, model.ActionRejected)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return reg, nil
}

// lockEvent acquires the per-event row lock that serializes every
// read-decide-write sequence, and returns the capacity numbers.
func lockEvent(ctx context.Context, tx pgx.Tx, eventID string, admin bool) (slots, newSlots int, err error) {
	var visible bool
	err = tx.QueryRow(ctx,
		`SELECT slots, new_slots, visible FROM events WHERE id = $1 FOR UPDATE`,
		eventID,
	).Scan(&slots, &newSlots, &visible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("lock event row: %w", err)
	}
	if !visible && !admin {
		return 0, 0, ErrNotFound
	}
	return slots, newSlots, nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryRegistrations(ctx context.Context, q querier, eventID string) ([]model.Registration, error) {
	rows, err := q.Query(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		var reg model.Registration
		if err := rows.Scan(&reg.EventID, &reg.UserID, &reg.State, &reg.Slot,
			&reg.NewSlot, &reg.Guests, &reg.Attended, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var reg model.Registration
	err := row.Scan(&reg.EventID, &reg.UserID, &reg.State, &reg.Slot,
		&reg.NewSlot, &reg.Guests, &reg.Attended, &reg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func applyChanges(ctx context.Context, tx pgx.Tx, eventID string, changes []allocator.Change) error {
	for _, c := range changes {
		tag, err := tx.Exec(ctx,
			`UPDATE registrations SET state = $3, slot = $4, new_slot = $5
			 WHERE event_id = $1 AND user_id = $2`,
			eventID, c.UserID, c.State, c.Slot, c.NewSlot,
		)
		if err != nil {
			return fmt.Errorf("apply cascade change for %s: %w", c.UserID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("apply cascade change for %s: row missing", c.UserID)
		}
	}
	return nil
}

// sortForListing orders seated buckets first, then waitlists in queue order.
func sortForListing(regs []model.Registration) {
	sort.Slice(regs, func(i, j int) bool {
		return listingLess(regs[i], regs[j])
	})
}

func listingLess(a, b model.Registration) bool {
	if a.State != b.State {
		return a.State.Less(b.State)
	}
	if a.Slot != b.Slot {
		return a.Slot < b.Slot
	}
	return a.UserID < b.UserID
}

// appendAudit writes the audit entry inside the mutation's transaction so a
// rollback removes both together.
func appendAudit(ctx context.Context, tx pgx.Tx, entry model.UserAction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_actions (id, user_id, event_id, date, action, in_waiting, in_new, guests)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), entry.UserID, entry.EventID, entry.Date,
		entry.Action, entry.InWaiting, entry.InNew, entry.Guests,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ProfileRepository reads user profiles. The profile data is owned by the
// user-data service; this backend only consults the new-member flag.
type ProfileRepository struct {
	db *pgxpool.Pool
}

// NewProfileRepository constructs a ProfileRepository.
func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// IsUserNew reports whether the user has never been seated at any event.
// Users without a profile row count as new.
func (r *ProfileRepository) IsUserNew(ctx context.Context, userID string) (bool, error) {
	var isNew bool
	err := r.db.QueryRow(ctx,
		`SELECT is_new FROM user_profiles WHERE user_id = $1`,
		userID,
	).Scan(&isNew)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("get profile: %w", err)
	}
	return isNew, nil
}

// AuditRepository reads and appends the append-only action history.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository constructs an AuditRepository.
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one entry outside any mutation transaction. Used for
// read-only actions such as slot dry-runs; mutations log through their own
// transaction instead.
func (r *AuditRepository) Append(ctx context.Context, entry model.UserAction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_actions (id, user_id, event_id, date, action, in_waiting, in_new, guests)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), entry.UserID, entry.EventID, entry.Date,
		entry.Action, entry.InWaiting, entry.InNew, entry.Guests,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListByUser returns a user's action history, oldest first.
func (r *AuditRepository) ListByUser(ctx context.Context, userID string) ([]model.UserAction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, event_id, date, action, in_waiting, in_new, guests
		 FROM user_actions WHERE user_id = $1 ORDER BY date ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user actions: %w", err)
	}
	defer rows.Close()

	var actions []model.UserAction
	for rows.Next() {
		var a model.UserAction
		if err := rows.Scan(&a.ID, &a.UserID, &a.EventID, &a.Date,
			&a.Action, &a.InWaiting, &a.InNew, &a.Guests); err != nil {
			return nil, fmt.Errorf("scan user action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
