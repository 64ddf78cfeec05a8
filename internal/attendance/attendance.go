package attendance

import (
	"errors"
	"time"
)

// Student is a cafeteria user. Students are created and maintained by an
// external administrative process; this system only reads them.
type Student struct {
	ID         string     `json:"id"`
	BadgeCode  string     `json:"badge_code"`
	Name       string     `json:"name"`
	Enrollment string     `json:"enrollment"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Program    string     `json:"program"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Record is one cafeteria visit. A record with a nil ExitTime is "open":
// the student is currently inside. At most one open record may exist per
// student at any time.
type Record struct {
	ID        string     `json:"id"`
	StudentID string     `json:"student_id"`
	EntryTime time.Time  `json:"entry_time"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
	Photo     []byte     `json:"-"`
	PhotoURL  *string    `json:"photo_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`

	// Student is populated on read paths that join the students table.
	Student *Student `json:"student,omitempty"`
}

// Open reports whether the record has no exit registered yet.
func (r Record) Open() bool { return r.ExitTime == nil }

var (
	// ErrStudentNotFound means the scanned badge code matches no student.
	ErrStudentNotFound = errors.New("attendance: student not found")

	// ErrNoOpenRecord means an exit was requested with no open record to close.
	ErrNoOpenRecord = errors.New("attendance: no open record for student")

	// ErrDuplicateOpenRecord means an entry would create a second open record
	// for the same student. The storage layer's partial unique index raises
	// this when two scans of one badge race past the OpenRecord check.
	ErrDuplicateOpenRecord = errors.New("attendance: student already has an open record")

	// ErrInvariantViolation means the store returned more than one open record
	// for a student. Never expected; indicates manual data corruption.
	ErrInvariantViolation = errors.New("attendance: multiple open records for student")
)
