package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsrota/ctask-backend/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EngineersOnShift returns the engineers rostered on the given shift code for
// the given calendar date, joined with their contact details.
func (s *Store) EngineersOnShift(ctx context.Context, date time.Time, shiftCode string) ([]models.Engineer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT m.id, m.name, m.email, m.contact_number
		FROM shift_roster r
		JOIN team_members m ON m.id = r.team_member_id
		WHERE r.date = $1 AND r.shift_code = $2
		ORDER BY m.name ASC
	`, date.Format("2006-01-02"), shiftCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Engineer
	for rows.Next() {
		var e models.Engineer
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.Contact); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Schedule returns the roster for a date range keyed by date then shift code.
func (s *Store) Schedule(ctx context.Context, start, end time.Time) (map[string]map[string][]models.Engineer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT r.date, r.shift_code, m.id, m.name, m.email, m.contact_number
		FROM shift_roster r
		JOIN team_members m ON m.id = r.team_member_id
		WHERE r.date >= $1 AND r.date <= $2
		ORDER BY r.date ASC, r.shift_code ASC, m.name ASC
	`, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedule := map[string]map[string][]models.Engineer{}
	for rows.Next() {
		var (
			date      time.Time
			shiftCode string
			e         models.Engineer
		)
		if err := rows.Scan(&date, &shiftCode, &e.ID, &e.Name, &e.Email, &e.Contact); err != nil {
			return nil, err
		}
		key := date.Format("2006-01-02")
		if schedule[key] == nil {
			schedule[key] = map[string][]models.Engineer{"D": {}, "E": {}, "N": {}}
		}
		schedule[key][shiftCode] = append(schedule[key][shiftCode], e)
	}
	return schedule, rows.Err()
}

func (s *Store) ListEngineers(ctx context.Context) ([]models.Engineer, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, name, email, contact_number FROM team_members ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Engineer
	for rows.Next() {
		var e models.Engineer
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.Contact); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RosterImportRow links a roster slot to an engineer by id during bulk import.
type RosterImportRow struct {
	Date       time.Time
	ShiftCode  string
	EngineerID string
}

// ReplaceRoster swaps the whole roster in one transaction: team members and
// their shift slots are truncated and re-imported via COPY.
func (s *Store) ReplaceRoster(ctx context.Context, engineers []models.Engineer, entries []RosterImportRow) (int64, error) {
	var copied int64
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `TRUNCATE shift_roster, team_members`); err != nil {
			return err
		}

		engineerRows := make([][]any, 0, len(engineers))
		for _, e := range engineers {
			engineerRows = append(engineerRows, []any{e.ID, e.Name, e.Email, e.Contact, time.Now().UTC()})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"team_members"},
			[]string{"id", "name", "email", "contact_number", "updated_at"},
			pgx.CopyFromRows(engineerRows)); err != nil {
			return err
		}

		rosterRows := make([][]any, 0, len(entries))
		for _, r := range entries {
			rosterRows = append(rosterRows, []any{r.Date, r.ShiftCode, r.EngineerID})
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"shift_roster"},
			[]string{"date", "shift_code", "team_member_id"},
			pgx.CopyFromRows(rosterRows))
		if err != nil {
			return err
		}
		copied = n
		return nil
	})
	return copied, err
}

// RecordAssignment appends an assignment outcome to the audit table.
func (s *Store) RecordAssignment(ctx context.Context, r models.AssignmentResult) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO assignment_log
			(ctask_number, success, reason_code, mode, message, assigned_to, assigned_email, shift_code, planned_date, planned_time, assigned_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, r.Number, r.Success, r.ReasonCode, r.Mode, r.Message, r.AssignedTo, r.AssignedEmail, r.ShiftCode, r.PlannedDate, r.PlannedTime, r.AssignedAt)
	return err
}

func (s *Store) ListAssignments(ctx context.Context, limit int) ([]models.AssignmentResult, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT ctask_number, success, reason_code, mode, message, assigned_to, assigned_email, shift_code, planned_date, planned_time, assigned_at
		FROM assignment_log
		ORDER BY assigned_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AssignmentResult
	for rows.Next() {
		var r models.AssignmentResult
		if err := rows.Scan(&r.Number, &r.Success, &r.ReasonCode, &r.Mode, &r.Message,
			&r.AssignedTo, &r.AssignedEmail, &r.ShiftCode, &r.PlannedDate, &r.PlannedTime, &r.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
