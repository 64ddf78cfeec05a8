package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Repository persists students and meal records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const studentCols = `id, badge_code, name, enrollment, birth_date, program, created_at`

// FindStudent looks a student up by the badge code printed on their card.
func (r *Repository) FindStudent(ctx context.Context, badgeCode string) (*Student, error) {
	if badgeCode == "" {
		return nil, ErrStudentNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentCols+`
		FROM students WHERE badge_code = $1
	`, badgeCode)
	var s Student
	if err := row.Scan(&s.ID, &s.BadgeCode, &s.Name, &s.Enrollment, &s.BirthDate, &s.Program, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListStudents returns all students ordered by badge code.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+studentCols+`
		FROM students ORDER BY badge_code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.BadgeCode, &s.Name, &s.Enrollment, &s.BirthDate, &s.Program, &s.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// OpenRecord returns the student's open record, or nil when there is none.
// Finding more than one open record is a data-integrity fault and yields
// ErrInvariantViolation.
func (r *Repository) OpenRecord(ctx context.Context, studentID string) (*Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, entry_time, exit_time, photo_url, created_at
		FROM meal_records
		WHERE student_id = $1 AND exit_time IS NULL
		ORDER BY entry_time
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var open []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.EntryTime, &rec.ExitTime, &rec.PhotoURL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		open = append(open, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return &open[0], nil
	default:
		return nil, fmt.Errorf("%w: student %s has %d", ErrInvariantViolation, studentID, len(open))
	}
}

// RegisterEntry opens a new record with the captured photo. A concurrent open
// record trips the one-open-record index and maps to ErrDuplicateOpenRecord.
func (r *Repository) RegisterEntry(ctx context.Context, studentID string, at time.Time, photo []byte) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		StudentID: studentID,
		EntryTime: at.UTC(),
		Photo:     photo,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO meal_records (id, student_id, entry_time, photo)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.EntryTime, rec.Photo)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Record{}, ErrDuplicateOpenRecord
		}
		return Record{}, err
	}
	return rec, nil
}

// RegisterExit closes the student's open record, attaching a photo only when
// the caller supplies one. Exits never require a photo.
func (r *Repository) RegisterExit(ctx context.Context, studentID string, at time.Time, photo []byte) (Record, error) {
	query := `
		UPDATE meal_records
		SET exit_time = $2
		WHERE student_id = $1 AND exit_time IS NULL
		RETURNING id, student_id, entry_time, exit_time, photo_url, created_at
	`
	args := []any{studentID, at.UTC()}
	if photo != nil {
		query = `
		UPDATE meal_records
		SET exit_time = $2, photo = $3
		WHERE student_id = $1 AND exit_time IS NULL
		RETURNING id, student_id, entry_time, exit_time, photo_url, created_at
		`
		args = append(args, photo)
	}
	row := r.db.QueryRowContext(ctx, query, args...)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.EntryTime, &rec.ExitTime, &rec.PhotoURL, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNoOpenRecord
		}
		return Record{}, err
	}
	return rec, nil
}

// RecordsInRange returns records whose entry falls in [start, end), joined with
// their student and ordered by entry time ascending. Plain restartable query;
// photo blobs are not fetched on this path.
func (r *Repository) RecordsInRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.student_id, r.entry_time, r.exit_time, r.photo_url, r.created_at,
		       s.id, s.badge_code, s.name, s.enrollment, s.birth_date, s.program, s.created_at
		FROM meal_records r
		JOIN students s ON s.id = r.student_id
		WHERE r.entry_time >= $1 AND r.entry_time < $2
		ORDER BY r.entry_time
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		var s Student
		if err := rows.Scan(
			&rec.ID, &rec.StudentID, &rec.EntryTime, &rec.ExitTime, &rec.PhotoURL, &rec.CreatedAt,
			&s.ID, &s.BadgeCode, &s.Name, &s.Enrollment, &s.BirthDate, &s.Program, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Student = &s
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRecordPhoto fetches the stored entry photo for archival processing.
func (r *Repository) GetRecordPhoto(ctx context.Context, id string) ([]byte, error) {
	var photo []byte
	row := r.db.QueryRowContext(ctx, `SELECT photo FROM meal_records WHERE id = $1`, id)
	if err := row.Scan(&photo); err != nil {
		return nil, err
	}
	return photo, nil
}

// SetPhotoURL stores the archival URL once the photo has been uploaded.
func (r *Repository) SetPhotoURL(ctx context.Context, id, url string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE meal_records SET photo_url = $2 WHERE id = $1`, id, url)
	return err
}

// CountStudents returns the student roster size.
func (r *Repository) CountStudents(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM students`)
}

// CountEntries counts records whose entry falls in [start, end).
func (r *Repository) CountEntries(ctx context.Context, start, end time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM meal_records
		WHERE entry_time >= $1 AND entry_time < $2
	`, start.UTC(), end.UTC())
}

// CountDistinctStudents counts distinct students with an entry in [start, end).
func (r *Repository) CountDistinctStudents(ctx context.Context, start, end time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(DISTINCT student_id) FROM meal_records
		WHERE entry_time >= $1 AND entry_time < $2
	`, start.UTC(), end.UTC())
}

func (r *Repository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
