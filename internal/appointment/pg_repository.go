package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

const appointmentColumns = `id, full_name, phone, email, national_id, gender, dob, address, id_proof,
	reason, service, center, appointment_date, appointment_slot, track, status, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var center, date, slot, track *string

	err := row.Scan(
		&a.ID,
		&a.FullName,
		&a.Phone,
		&a.Email,
		&a.NationalID,
		&a.Gender,
		&a.DOB,
		&a.Address,
		&a.IDProof,
		&a.Reason,
		&a.Service,
		&center,
		&date,
		&slot,
		&track,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, translatePgError(err)
	}

	a.Center = deref(center)
	a.AppointmentDate = deref(date)
	a.AppointmentSlot = deref(slot)
	a.Track = deref(track)
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func appointmentArgs(a *Appointment) []any {
	return []any{
		a.ID,
		a.FullName,
		a.Phone,
		a.Email,
		a.NationalID,
		a.Gender,
		a.DOB,
		a.Address,
		a.IDProof,
		a.Reason,
		a.Service,
		nullIfEmpty(a.Center),
		nullIfEmpty(a.AppointmentDate),
		nullIfEmpty(a.AppointmentSlot),
		nullIfEmpty(a.Track),
		a.Status,
	}
}

// valuesTuple renders one "($n, ..., now(), now())" group for row i.
func valuesTuple(i, width int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for c := 0; c < width; c++ {
		fmt.Fprintf(&sb, "$%d, ", i*width+c+1)
	}
	sb.WriteString("now(), now())")
	return sb.String()
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	args := appointmentArgs(a)

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES `+valuesTuple(0, len(args))+`
		RETURNING `+appointmentColumns, args...)

	created, err := scanAppointment(row)
	if err != nil {
		return err
	}
	*a = *created
	return nil
}

func (r *PgRepository) FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindByFilter(ctx context.Context, f Filter) ([]Appointment, error) {
	var (
		conds []string
		args  []any
	)
	if f.Center != "" {
		args = append(args, f.Center)
		conds = append(conds, fmt.Sprintf("center = $%d", len(args)))
	}
	if f.Date != "" {
		args = append(args, f.Date)
		conds = append(conds, fmt.Sprintf("appointment_date = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, status)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateFields(ctx context.Context, id uuid.UUID, patch Patch) (bool, error) {
	if len(patch) == 0 {
		return false, nil
	}

	args := []any{id}
	var sets, diffs []string
	for _, field := range patch.Fields() {
		if !IsPatchable(field) {
			return false, fmt.Errorf("%w: field %q cannot be updated", ErrValidation, field)
		}
		args = append(args, patch[field])
		value := fmt.Sprintf("$%d", len(args))
		if slotFields[field] {
			value = fmt.Sprintf("NULLIF($%d, '')", len(args))
		}
		// field names come from the patchFields whitelist
		sets = append(sets, field+" = "+value)
		diffs = append(diffs, field+" IS DISTINCT FROM "+value)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET `+strings.Join(sets, ", ")+`, updated_at = now()
		WHERE id = $1 AND (`+strings.Join(diffs, " OR ")+`)`, args...)
	if err != nil {
		return false, translatePgError(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// InsertReservations writes every record in one multi-row INSERT. Rows that hit
// the slot key unique index are skipped by ON CONFLICT and missing from RETURNING.
func (r *PgRepository) InsertReservations(ctx context.Context, records []Appointment) ([]bool, error) {
	inserted := make([]bool, len(records))
	if len(records) == 0 {
		return inserted, nil
	}

	index := make(map[uuid.UUID]int, len(records))
	query := `INSERT INTO appointments (` + appointmentColumns + `) VALUES `
	var args []any
	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
		index[records[i].ID] = i

		rowArgs := appointmentArgs(&records[i])
		if i > 0 {
			query += ", "
		}
		query += valuesTuple(i, len(rowArgs))
		args = append(args, rowArgs...)
	}
	query += ` ON CONFLICT DO NOTHING RETURNING id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			inserted[i] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translatePgError(err)
	}
	return inserted, nil
}

func (r *PgRepository) AssignSlot(ctx context.Context, id uuid.UUID, key SlotKey) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET center = $2,
		    appointment_date = $3,
		    appointment_slot = $4,
		    track = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, key.Center, key.Date, key.Label, key.Track)

	return scanAppointment(row)
}

func (r *PgRepository) FindStalePlaceholders(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND appointment_slot IS NULL
		  AND created_at < $1
		ORDER BY created_at DESC, id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
