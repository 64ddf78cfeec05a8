package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/disintegration/imaging"

	"refectory/internal/attendance"
)

// Frame is one camera frame as delivered by the frame source.
type Frame struct {
	Data   []byte // JPEG
	Width  int
	Height int
}

// Box is a face bounding box in frame pixel coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Decoder extracts badge codes from a frame.
type Decoder interface {
	DecodeBadge(ctx context.Context, f Frame) ([]string, error)
}

// FaceDetector finds face bounding boxes in a frame.
type FaceDetector interface {
	DetectFaces(ctx context.Context, f Frame) ([]Box, error)
}

// Store is the persistence surface the engine drives.
type Store interface {
	FindStudent(ctx context.Context, badgeCode string) (*attendance.Student, error)
	OpenRecord(ctx context.Context, studentID string) (*attendance.Record, error)
	RegisterEntry(ctx context.Context, studentID string, at time.Time, photo []byte) (attendance.Record, error)
	RegisterExit(ctx context.Context, studentID string, at time.Time, photo []byte) (attendance.Record, error)
}

// State of one attendance cycle.
type State int

const (
	StateIdle State = iota
	StateCodeDetected
	StateAwaitingFaceCenter
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCodeDetected:
		return "code_detected"
	case StateAwaitingFaceCenter:
		return "awaiting_face_center"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// OutcomeKind classifies how a cycle ended.
type OutcomeKind string

const (
	StudentNotFound    OutcomeKind = "student_not_found"
	EntryRegistered    OutcomeKind = "entry_registered"
	ExitRegistered     OutcomeKind = "exit_registered"
	RegistrationFailed OutcomeKind = "registration_failed"
)

// Outcome is reported to the presentation layer when a cycle ends.
type Outcome struct {
	Kind      OutcomeKind
	BadgeCode string
	Student   *attendance.Student
	Record    *attendance.Record
	Photo     []byte
	Reason    string
	At        time.Time
}

// Config tunes the engine's timing and centering behavior.
type Config struct {
	// CenterTolerance is the max pixel distance between the face center and
	// the frame center, measured at ReferenceWidth and scaled to the actual
	// frame width.
	CenterTolerance int
	ReferenceWidth  int

	// CenteredFrames is how many consecutive centered frames arm the capture
	// (~1 second at 30 fps by default).
	CenteredFrames int

	// Cooldown is how long a finished cycle stays on screen before the
	// station accepts the next badge.
	Cooldown time.Duration

	// FaceWait bounds the wait for a centered face; 0 disables the timeout.
	FaceWait time.Duration
}

// DefaultConfig matches the station's reference behavior.
func DefaultConfig() Config {
	return Config{
		CenterTolerance: 50,
		ReferenceWidth:  640,
		CenteredFrames:  30,
		Cooldown:        3 * time.Second,
		FaceWait:        15 * time.Second,
	}
}

// Engine is the check-in/check-out state machine. It owns all per-cycle state
// and is advanced by calling OnFrame once per camera tick; it knows nothing
// about how ticks are scheduled. Not safe for concurrent OnFrame calls; the
// station runs a single tick loop.
type Engine struct {
	cfg      Config
	store    Store
	decoder  Decoder
	detector FaceDetector

	// Notify receives the outcome of every finished cycle. May be nil.
	Notify func(Outcome)

	state        State
	badgeCode    string
	student      *attendance.Student
	centered     int
	faceDeadline time.Time
	resetAt      time.Time
}

// New creates an engine. Zero config fields fall back to DefaultConfig values,
// except FaceWait, which stays 0 (timeout disabled) when set negative.
func New(store Store, decoder Decoder, detector FaceDetector, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.CenterTolerance <= 0 {
		cfg.CenterTolerance = def.CenterTolerance
	}
	if cfg.ReferenceWidth <= 0 {
		cfg.ReferenceWidth = def.ReferenceWidth
	}
	if cfg.CenteredFrames <= 0 {
		cfg.CenteredFrames = def.CenteredFrames
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.FaceWait < 0 {
		cfg.FaceWait = 0
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		decoder:  decoder,
		detector: detector,
		state:    StateIdle,
	}
}

// State returns the current cycle state.
func (e *Engine) State() State { return e.state }

// OnFrame advances the machine by one camera frame. now is the frame's
// timestamp; all registered entries and exits carry it.
func (e *Engine) OnFrame(ctx context.Context, f Frame, now time.Time) {
	switch e.state {
	case StateDone:
		if !now.Before(e.resetAt) {
			e.reset()
		}
	case StateIdle:
		e.tickIdle(ctx, f, now)
	case StateAwaitingFaceCenter:
		e.tickAwaitingFace(ctx, f, now)
	}
}

// tickIdle scans the frame for a badge code and, when one decodes, resolves
// the student and decides between an immediate exit and a gated entry.
func (e *Engine) tickIdle(ctx context.Context, f Frame, now time.Time) {
	codes, err := e.decoder.DecodeBadge(ctx, f)
	if err != nil {
		// Decoder failure counts as a missed frame; try again next tick.
		log.Printf("engine: badge decode unavailable: %v", err)
		return
	}
	if len(codes) == 0 {
		return
	}
	// Only the first decoded code per idle cycle is honored.
	e.badgeCode = codes[0]
	e.state = StateCodeDetected
	e.resolveBadge(ctx, now)
}

func (e *Engine) resolveBadge(ctx context.Context, now time.Time) {
	student, err := e.store.FindStudent(ctx, e.badgeCode)
	if err != nil {
		if errors.Is(err, attendance.ErrStudentNotFound) {
			notFoundTotal.Inc()
			e.finish(now, Outcome{Kind: StudentNotFound, BadgeCode: e.badgeCode, At: now})
			return
		}
		e.fail(now, fmt.Sprintf("student lookup failed: %v", err))
		return
	}
	e.student = student

	open, err := e.store.OpenRecord(ctx, student.ID)
	if err != nil {
		if errors.Is(err, attendance.ErrInvariantViolation) {
			log.Printf("engine: data integrity fault: %v", err)
		}
		e.fail(now, fmt.Sprintf("open record check failed: %v", err))
		return
	}

	if open != nil {
		// Exit path: no photo requirement, register immediately.
		rec, err := e.store.RegisterExit(ctx, student.ID, now, nil)
		if err != nil {
			e.fail(now, fmt.Sprintf("exit registration failed: %v", err))
			return
		}
		exitsTotal.Inc()
		e.finish(now, Outcome{Kind: ExitRegistered, BadgeCode: e.badgeCode, Student: student, Record: &rec, At: now})
		return
	}

	// Entry path: hold for a sustained centered face before capturing.
	e.state = StateAwaitingFaceCenter
	e.centered = 0
	if e.cfg.FaceWait > 0 {
		e.faceDeadline = now.Add(e.cfg.FaceWait)
	}
}

// tickAwaitingFace requires the face center to stay within tolerance of the
// frame center for CenteredFrames consecutive frames. The debounce is the
// only defense against a single noisy detection triggering a capture.
func (e *Engine) tickAwaitingFace(ctx context.Context, f Frame, now time.Time) {
	if !e.faceDeadline.IsZero() && now.After(e.faceDeadline) {
		e.fail(now, "face-center timeout")
		return
	}

	faces, err := e.detector.DetectFaces(ctx, f)
	if err != nil {
		// Missed frame; keep waiting without breaking the streak.
		log.Printf("engine: face detection unavailable: %v", err)
		return
	}
	if len(faces) == 0 {
		e.centered = 0
		return
	}

	face := faces[0]
	if !e.isCentered(face, f) {
		e.centered = 0
		return
	}

	e.centered++
	if e.centered < e.cfg.CenteredFrames {
		return
	}

	photo, err := cropJPEG(f, face)
	if err != nil {
		e.fail(now, fmt.Sprintf("photo capture failed: %v", err))
		return
	}

	rec, err := e.store.RegisterEntry(ctx, e.student.ID, now, photo)
	if err != nil {
		if errors.Is(err, attendance.ErrDuplicateOpenRecord) {
			e.fail(now, "entry raced an existing open record")
			return
		}
		e.fail(now, fmt.Sprintf("entry registration failed: %v", err))
		return
	}
	entriesTotal.Inc()
	e.finish(now, Outcome{
		Kind:      EntryRegistered,
		BadgeCode: e.badgeCode,
		Student:   e.student,
		Record:    &rec,
		Photo:     photo,
		At:        now,
	})
}

func (e *Engine) isCentered(face Box, f Frame) bool {
	tol := e.cfg.CenterTolerance
	if f.Width > 0 && e.cfg.ReferenceWidth > 0 {
		tol = e.cfg.CenterTolerance * f.Width / e.cfg.ReferenceWidth
		if tol < 1 {
			tol = 1
		}
	}
	faceCX := face.X + face.W/2
	faceCY := face.Y + face.H/2
	frameCX := f.Width / 2
	frameCY := f.Height / 2
	return abs(faceCX-frameCX) < tol && abs(faceCY-frameCY) < tol
}

func (e *Engine) fail(now time.Time, reason string) {
	failuresTotal.Inc()
	e.finish(now, Outcome{Kind: RegistrationFailed, BadgeCode: e.badgeCode, Student: e.student, Reason: reason, At: now})
}

func (e *Engine) finish(now time.Time, out Outcome) {
	e.state = StateDone
	e.resetAt = now.Add(e.cfg.Cooldown)
	if e.Notify != nil {
		e.Notify(out)
	}
}

// reset clears all per-cycle state for the next badge.
func (e *Engine) reset() {
	e.state = StateIdle
	e.badgeCode = ""
	e.student = nil
	e.centered = 0
	e.faceDeadline = time.Time{}
	e.resetAt = time.Time{}
}

// cropJPEG cuts the face bounding box out of the frame and re-encodes it as
// the entry photo.
func cropJPEG(f Frame, face Box) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	rect := image.Rect(face.X, face.Y, face.X+face.W, face.Y+face.H)
	cropped := imaging.Crop(img, rect)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, cropped, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("encode photo: %w", err)
	}
	return buf.Bytes(), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
