package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/db"
)

type PgRepository struct {
	db      db.DBTX
	holdTTL time.Duration
	now     func() time.Time
}

func NewPgRepository(conn db.DBTX, holdTTL time.Duration) *PgRepository {
	return &PgRepository{db: conn, holdTTL: holdTTL, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (r *PgRepository) WithClock(now func() time.Time) *PgRepository {
	r.now = now
	return r
}

const slotColumns = `id, provider_id, slot_date, start_minute, end_minute, timezone, status,
	held_by, hold_expires_at, retired, created_at, updated_at`

// freeSlot is the SET clause that ends a hold or booking; see Slot.free.
const freeSlot = `status = CASE WHEN retired THEN 'cancelled' ELSE 'open' END,
		retired = false, held_by = NULL, hold_expires_at = NULL`

const appointmentColumns = `id, slot_id, provider_id, patient_id, status, payment_status,
	payment_reference, idempotency_key, amount::text, currency, created_at, updated_at`

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.Date,
		&s.StartMinute,
		&s.EndMinute,
		&s.Timezone,
		&s.Status,
		&s.HeldBy,
		&s.HoldExpiresAt,
		&s.Retired,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var amount string
	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.ProviderID,
		&a.PatientID,
		&a.Status,
		&a.PaymentStatus,
		&a.PaymentReference,
		&a.IdempotencyKey,
		&amount,
		&a.Currency,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse appointment amount %q: %w", amount, err)
	}
	return &a, nil
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()
	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// conflictFor builds the ConflictError for a conditional update that matched no row.
func conflictFor(ctx context.Context, q db.DBTX, slotID uuid.UUID, to SlotStatus, reason string) error {
	s, err := scanSlot(q.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, slotID))
	if err != nil {
		return err
	}
	return &ConflictError{SlotID: slotID, From: s.Status, To: to, Reason: reason}
}

// Interface methods

func (r *PgRepository) ListOpen(ctx context.Context, providerID uuid.UUID, dates *DateRange) ([]Slot, error) {
	now := r.now()
	if _, err := r.db.Exec(ctx, `
		UPDATE slots
		SET `+freeSlot+`, updated_at = $2
		WHERE provider_id = $1
		  AND status = 'held'
		  AND hold_expires_at <= $2
	`, providerID, now); err != nil {
		return nil, fmt.Errorf("release expired holds: %w", err)
	}

	var from, to *time.Time
	if dates != nil {
		from, to = nullableTime(dates.From), nullableTime(dates.To)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1
		  AND status = 'open'
		  AND ($2::date IS NULL OR slot_date >= $2::date)
		  AND ($3::date IS NULL OR slot_date <= $3::date)
		ORDER BY slot_date, start_minute
	`, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	return collectSlots(rows)
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := scanSlot(r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if s.holdExpired(r.now()) {
		s.free(s.UpdatedAt)
	}
	return s, nil
}

// Hold treats a lapsed hold as open, so expiry needs no separate sweep before it.
func (r *PgRepository) Hold(ctx context.Context, slotID, patientID uuid.UUID) (*Slot, error) {
	now := r.now()
	s, err := scanSlot(r.db.QueryRow(ctx, `
		UPDATE slots
		SET status = 'held', held_by = $2, hold_expires_at = $3, updated_at = $4
		WHERE id = $1
		  AND (status = 'open' OR (status = 'held' AND hold_expires_at <= $4 AND NOT retired))
		RETURNING `+slotColumns,
		slotID, patientID, now.Add(r.holdTTL), now))
	if errors.Is(err, ErrSlotNotFound) {
		return nil, conflictFor(ctx, r.db, slotID, SlotHeld, "")
	}
	if err != nil {
		return nil, fmt.Errorf("hold slot: %w", err)
	}
	return s, nil
}

func (r *PgRepository) Release(ctx context.Context, slotID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE slots
		SET `+freeSlot+`, updated_at = $2
		WHERE id = $1
		  AND status = 'held'
	`, slotID, r.now())
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	err = conflictFor(ctx, r.db, slotID, SlotOpen, "")
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.From == SlotOpen {
		return nil
	}
	return err
}

func (r *PgRepository) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	now := r.now()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin book tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if req.IdempotencyKey != "" {
		existing, err := scanAppointment(tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE idempotency_key = $1
			  AND status <> 'cancelled'
		`, req.IdempotencyKey))
		if err == nil {
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	var providerID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE slots
		SET status = 'booked', hold_expires_at = NULL, updated_at = $3
		WHERE id = $1
		  AND status = 'held'
		  AND held_by = $2
		  AND hold_expires_at > $3
		RETURNING provider_id
	`, req.SlotID, req.PatientID, now).Scan(&providerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conflictFor(ctx, tx, req.SlotID, SlotBooked, "no live hold for this patient")
	}
	if err != nil {
		return nil, fmt.Errorf("book slot: %w", err)
	}

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (id, slot_id, provider_id, patient_id, status, payment_status,
			payment_reference, idempotency_key, amount, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'confirmed', 'paid', $5, $6, $7::numeric, $8, $9, $9)
		RETURNING `+appointmentColumns,
		uuid.New(), req.SlotID, providerID, req.PatientID, req.PaymentReference, req.IdempotencyKey,
		req.Amount.String(), req.Currency, now))
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit book tx: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) Cancel(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	now := r.now()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'confirmed')
		RETURNING `+appointmentColumns,
		appointmentID, now))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.transitionError(ctx, tx, appointmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slots
		SET `+freeSlot+`, updated_at = $2
		WHERE id = $1
		  AND status = 'booked'
	`, appt.SlotID, now); err != nil {
		return nil, fmt.Errorf("reopen slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel tx: %w", err)
	}
	return appt, nil
}

// transitionError tells a missing appointment apart from one in the wrong status.
func (r *PgRepository) transitionError(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check appointment: %w", err)
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return ErrInvalidStatusTransition
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]AppointmentDetail, error) {
	filter = normalizeFilter(filter)

	rows, err := r.db.Query(ctx, `
		SELECT
			a.id, a.slot_id, a.provider_id, a.patient_id, a.status, a.payment_status,
			a.payment_reference, a.idempotency_key, a.amount::text, a.currency, a.created_at, a.updated_at,
			s.id, s.provider_id, s.slot_date, s.start_minute, s.end_minute, s.timezone, s.status,
			s.held_by, s.hold_expires_at, s.retired, s.created_at, s.updated_at
		FROM appointments a
		JOIN slots s ON a.slot_id = s.id
		WHERE ($1::uuid IS NULL OR a.patient_id = $1)
		  AND ($2::uuid IS NULL OR a.provider_id = $2)
		  AND ($3::uuid IS NULL OR a.slot_id = $3)
		ORDER BY a.created_at DESC, a.id
		LIMIT $4 OFFSET $5
	`, filter.PatientID, filter.ProviderID, filter.SlotID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []AppointmentDetail
	for rows.Next() {
		var d AppointmentDetail
		var s Slot
		var amount string
		if err := rows.Scan(
			&d.ID, &d.SlotID, &d.ProviderID, &d.PatientID, &d.Status, &d.PaymentStatus,
			&d.PaymentReference, &d.IdempotencyKey, &amount, &d.Currency, &d.CreatedAt, &d.UpdatedAt,
			&s.ID, &s.ProviderID, &s.Date, &s.StartMinute, &s.EndMinute, &s.Timezone, &s.Status,
			&s.HeldBy, &s.HoldExpiresAt, &s.Retired, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse appointment amount %q: %w", amount, err)
		}
		d.Slot = &s
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	if to == StatusCancelled {
		return nil, ErrInvalidStatusTransition
	}
	appt, err := scanAppointment(r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = $4
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, r.now()))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.transitionError(ctx, r.db, id)
	}
	return appt, err
}

func (r *PgRepository) SetPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error) {
	appt, err := scanAppointment(r.db.QueryRow(ctx, `
		UPDATE appointments
		SET payment_status = $2,
		    updated_at = $4
		WHERE id = $1
		  AND payment_status = $3
		RETURNING `+appointmentColumns,
		id, to, from, r.now()))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.transitionError(ctx, r.db, id)
	}
	return appt, err
}

func (r *PgRepository) ExpireHolds(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE slots
		SET `+freeSlot+`, updated_at = $1
		WHERE status = 'held'
		  AND hold_expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire holds: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortIDs(ids)
	return ids, nil
}

func (r *PgRepository) ReplaceOpenSlots(ctx context.Context, providerID uuid.UUID, from time.Time, slots []Slot) (*ReconcileResult, error) {
	now := r.now()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1
		  AND slot_date >= $2::date
		FOR UPDATE
	`, providerID, from)
	if err != nil {
		return nil, fmt.Errorf("lock provider slots: %w", err)
	}
	existing, err := collectSlots(rows)
	if err != nil {
		return nil, fmt.Errorf("lock provider slots: %w", err)
	}

	desired := desiredSlots(providerID, from, slots)
	res := &ReconcileResult{ProviderID: providerID}
	var restored, retired []uuid.UUID

	for _, s := range existing {
		if _, keep := desired[s.ID]; keep {
			delete(desired, s.ID)
			switch {
			case s.Status == SlotCancelled:
				res.Reopened = append(res.Reopened, s.ID)
			case s.Retired:
				restored = append(restored, s.ID)
			}
			continue
		}
		switch {
		case s.Status == SlotOpen || s.holdExpired(now):
			res.Superseded = append(res.Superseded, s.ID)
		case s.Status == SlotHeld || s.Status == SlotBooked:
			s.Retired = true
			retired = append(retired, s.ID)
			res.Orphaned = append(res.Orphaned, s)
		}
	}

	if len(res.Superseded) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE slots
			SET status = 'cancelled', retired = false, held_by = NULL, hold_expires_at = NULL, updated_at = $2
			WHERE id = ANY($1)
		`, res.Superseded, now); err != nil {
			return nil, fmt.Errorf("supersede slots: %w", err)
		}
	}
	if len(res.Reopened) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE slots
			SET status = 'open', updated_at = $2
			WHERE id = ANY($1)
			  AND status = 'cancelled'
		`, res.Reopened, now); err != nil {
			return nil, fmt.Errorf("reopen slots: %w", err)
		}
	}

	if len(retired) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE slots
			SET retired = true, updated_at = $2
			WHERE id = ANY($1)
		`, retired, now); err != nil {
			return nil, fmt.Errorf("retire orphaned slots: %w", err)
		}
	}
	if len(restored) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE slots
			SET retired = false, updated_at = $2
			WHERE id = ANY($1)
		`, restored, now); err != nil {
			return nil, fmt.Errorf("restore retired slots: %w", err)
		}
	}

	for id, s := range desired {
		if _, err := tx.Exec(ctx, `
			INSERT INTO slots (id, provider_id, slot_date, start_minute, end_minute, timezone, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'open', $7, $7)
			ON CONFLICT (id) DO NOTHING
		`, id, providerID, s.Date, s.StartMinute, s.EndMinute, s.Timezone, now); err != nil {
			return nil, fmt.Errorf("insert slot: %w", err)
		}
		res.Added = append(res.Added, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reconcile tx: %w", err)
	}

	res.sort()
	return res, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, slot_id, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.SlotID, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
