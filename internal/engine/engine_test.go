package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"math/rand"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"refectory/internal/attendance"
)

type decoderFunc func(ctx context.Context, f Frame) ([]string, error)

func (fn decoderFunc) DecodeBadge(ctx context.Context, f Frame) ([]string, error) {
	return fn(ctx, f)
}

type detectorFunc func(ctx context.Context, f Frame) ([]Box, error)

func (fn detectorFunc) DetectFaces(ctx context.Context, f Frame) ([]Box, error) {
	return fn(ctx, f)
}

// fakeStore keeps students and records in memory and enforces the same
// one-open-record rule the database index does.
type fakeStore struct {
	students map[string]*attendance.Student // badge code -> student
	records  []attendance.Record

	openErr  error
	writeErr error
}

func newFakeStore(students ...attendance.Student) *fakeStore {
	s := &fakeStore{students: map[string]*attendance.Student{}}
	for i := range students {
		s.students[students[i].BadgeCode] = &students[i]
	}
	return s
}

func (s *fakeStore) FindStudent(_ context.Context, badgeCode string) (*attendance.Student, error) {
	student, ok := s.students[badgeCode]
	if !ok {
		return nil, attendance.ErrStudentNotFound
	}
	return student, nil
}

func (s *fakeStore) OpenRecord(_ context.Context, studentID string) (*attendance.Record, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	var open *attendance.Record
	for i := range s.records {
		if s.records[i].StudentID == studentID && s.records[i].Open() {
			if open != nil {
				return nil, attendance.ErrInvariantViolation
			}
			copied := s.records[i]
			open = &copied
		}
	}
	return open, nil
}

func (s *fakeStore) RegisterEntry(_ context.Context, studentID string, at time.Time, photo []byte) (attendance.Record, error) {
	if s.writeErr != nil {
		return attendance.Record{}, s.writeErr
	}
	for i := range s.records {
		if s.records[i].StudentID == studentID && s.records[i].Open() {
			return attendance.Record{}, attendance.ErrDuplicateOpenRecord
		}
	}
	rec := attendance.Record{
		ID:        fmt.Sprintf("rec-%d", len(s.records)+1),
		StudentID: studentID,
		EntryTime: at,
		Photo:     photo,
	}
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *fakeStore) RegisterExit(_ context.Context, studentID string, at time.Time, photo []byte) (attendance.Record, error) {
	if s.writeErr != nil {
		return attendance.Record{}, s.writeErr
	}
	for i := range s.records {
		if s.records[i].StudentID == studentID && s.records[i].Open() {
			exit := at
			s.records[i].ExitTime = &exit
			if photo != nil {
				s.records[i].Photo = photo
			}
			return s.records[i], nil
		}
	}
	return attendance.Record{}, attendance.ErrNoOpenRecord
}

// seed inserts a record directly, bypassing the engine.
func (s *fakeStore) seed(rec attendance.Record) {
	s.records = append(s.records, rec)
}

func (s *fakeStore) openFor(studentID string) []attendance.Record {
	var open []attendance.Record
	for _, rec := range s.records {
		if rec.StudentID == studentID && rec.Open() {
			open = append(open, rec)
		}
	}
	return open
}

func testFrame(t *testing.T) Frame {
	t.Helper()
	img := imaging.New(640, 480, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return Frame{Data: buf.Bytes(), Width: 640, Height: 480}
}

func centeredBox(f Frame) Box {
	return Box{X: f.Width/2 - 60, Y: f.Height/2 - 75, W: 120, H: 150}
}

func codeOnce(code string) Decoder {
	fired := false
	return decoderFunc(func(_ context.Context, _ Frame) ([]string, error) {
		if fired {
			return nil, nil
		}
		fired = true
		return []string{code}, nil
	})
}

func collectOutcomes(e *Engine) *[]Outcome {
	var outcomes []Outcome
	e.Notify = func(out Outcome) { outcomes = append(outcomes, out) }
	return &outcomes
}

func TestExitRegisteredImmediately(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781", Name: "Ana"})
	entry := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.seed(attendance.Record{ID: "r1", StudentID: "s1", EntryTime: entry})

	detector := detectorFunc(func(_ context.Context, _ Frame) ([]Box, error) {
		t.Fatal("exit must not run face detection")
		return nil, nil
	})
	e := New(store, codeOnce("3781"), detector, Config{})
	outcomes := collectOutcomes(e)

	scanAt := entry.Add(30 * time.Minute)
	e.OnFrame(context.Background(), testFrame(t), scanAt)

	if len(*outcomes) != 1 || (*outcomes)[0].Kind != ExitRegistered {
		t.Fatalf("want one ExitRegistered outcome, got %+v", *outcomes)
	}
	if len(store.records) != 1 {
		t.Fatalf("exit must not create a record, have %d", len(store.records))
	}
	closed := store.records[0]
	if closed.ID != "r1" {
		t.Fatalf("exit must close the existing record, closed %s", closed.ID)
	}
	if closed.ExitTime == nil || !closed.ExitTime.Equal(scanAt) {
		t.Fatalf("exit time = %v, want %v", closed.ExitTime, scanAt)
	}
	if len(store.openFor("s1")) != 0 {
		t.Fatal("no record may remain open after the exit")
	}
}

func TestEntryRequiresSustainedCentering(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781", Name: "Ana"})
	frame := testFrame(t)
	detector := detectorFunc(func(_ context.Context, f Frame) ([]Box, error) {
		return []Box{centeredBox(f)}, nil
	})
	e := New(store, codeOnce("3781"), detector, Config{CenteredFrames: 30})
	outcomes := collectOutcomes(e)

	now := time.Date(2026, 3, 2, 11, 5, 0, 0, time.UTC)
	e.OnFrame(context.Background(), frame, now) // badge scan
	if e.State() != StateAwaitingFaceCenter {
		t.Fatalf("state after scan = %v, want awaiting_face_center", e.State())
	}

	for i := 0; i < 29; i++ {
		now = now.Add(33 * time.Millisecond)
		e.OnFrame(context.Background(), frame, now)
	}
	if len(*outcomes) != 0 {
		t.Fatalf("29 centered frames must not capture, got %+v", *outcomes)
	}

	now = now.Add(33 * time.Millisecond)
	e.OnFrame(context.Background(), frame, now) // 30th centered frame

	if len(*outcomes) != 1 || (*outcomes)[0].Kind != EntryRegistered {
		t.Fatalf("want one EntryRegistered outcome, got %+v", *outcomes)
	}
	open := store.openFor("s1")
	if len(open) != 1 {
		t.Fatalf("entry must open exactly one record, have %d", len(open))
	}
	rec := open[0]
	if !rec.EntryTime.Equal(now) {
		t.Fatalf("entry time = %v, want timestamp of the 30th frame %v", rec.EntryTime, now)
	}
	if len(rec.Photo) == 0 {
		t.Fatal("entry record must carry the captured photo")
	}
}

func TestOffCenterFrameResetsDebounce(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781"})
	frame := testFrame(t)

	var offCenter bool
	detector := detectorFunc(func(_ context.Context, f Frame) ([]Box, error) {
		box := centeredBox(f)
		if offCenter {
			box.X = 0 // far left, outside tolerance
		}
		return []Box{box}, nil
	})
	e := New(store, codeOnce("3781"), detector, Config{CenteredFrames: 10})
	outcomes := collectOutcomes(e)

	now := time.Unix(0, 0)
	e.OnFrame(context.Background(), frame, now)
	for i := 0; i < 9; i++ {
		now = now.Add(33 * time.Millisecond)
		e.OnFrame(context.Background(), frame, now)
	}
	offCenter = true
	now = now.Add(33 * time.Millisecond)
	e.OnFrame(context.Background(), frame, now)
	offCenter = false

	// The streak restarted; 9 more centered frames must not be enough.
	for i := 0; i < 9; i++ {
		now = now.Add(33 * time.Millisecond)
		e.OnFrame(context.Background(), frame, now)
	}
	if len(*outcomes) != 0 {
		t.Fatalf("debounce must restart after an off-center frame, got %+v", *outcomes)
	}
	now = now.Add(33 * time.Millisecond)
	e.OnFrame(context.Background(), frame, now)
	if len(*outcomes) != 1 || (*outcomes)[0].Kind != EntryRegistered {
		t.Fatalf("want capture on the 10th consecutive centered frame, got %+v", *outcomes)
	}
}

func TestDetectorErrorKeepsStreak(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781"})
	frame := testFrame(t)

	var failNext bool
	detector := detectorFunc(func(_ context.Context, f Frame) ([]Box, error) {
		if failNext {
			return nil, errors.New("sidecar down")
		}
		return []Box{centeredBox(f)}, nil
	})
	e := New(store, codeOnce("3781"), detector, Config{CenteredFrames: 10})
	outcomes := collectOutcomes(e)

	now := time.Unix(0, 0)
	e.OnFrame(context.Background(), frame, now)
	for i := 0; i < 5; i++ {
		now = now.Add(33 * time.Millisecond)
		e.OnFrame(context.Background(), frame, now)
	}
	failNext = true
	now = now.Add(33 * time.Millisecond)
	e.OnFrame(context.Background(), frame, now) // missed frame
	failNext = false
	for i := 0; i < 5; i++ {
		now = now.Add(33 * time.Millisecond)
		e.OnFrame(context.Background(), frame, now)
	}
	if len(*outcomes) != 1 || (*outcomes)[0].Kind != EntryRegistered {
		t.Fatalf("a missed frame must not break the streak, got %+v", *outcomes)
	}
}

func TestUnknownBadge(t *testing.T) {
	store := newFakeStore()
	e := New(store, codeOnce("X"), detectorFunc(func(_ context.Context, _ Frame) ([]Box, error) {
		return nil, nil
	}), Config{})
	outcomes := collectOutcomes(e)

	e.OnFrame(context.Background(), testFrame(t), time.Unix(0, 0))

	if len(*outcomes) != 1 {
		t.Fatalf("want one outcome, got %d", len(*outcomes))
	}
	out := (*outcomes)[0]
	if out.Kind != StudentNotFound || out.BadgeCode != "X" {
		t.Fatalf("want StudentNotFound for badge X, got %+v", out)
	}
	if len(store.records) != 0 {
		t.Fatal("unknown badge must not touch records")
	}
	if e.State() != StateDone {
		t.Fatalf("state = %v, want done", e.State())
	}
}

func TestFirstDecodedCodeWins(t *testing.T) {
	store := newFakeStore(
		attendance.Student{ID: "s1", BadgeCode: "A"},
		attendance.Student{ID: "s2", BadgeCode: "B"},
	)
	store.seed(attendance.Record{ID: "r1", StudentID: "s1", EntryTime: time.Unix(0, 0)})
	decoder := decoderFunc(func(_ context.Context, _ Frame) ([]string, error) {
		return []string{"A", "B"}, nil
	})
	e := New(store, decoder, detectorFunc(func(_ context.Context, _ Frame) ([]Box, error) {
		return nil, nil
	}), Config{})
	outcomes := collectOutcomes(e)

	e.OnFrame(context.Background(), testFrame(t), time.Unix(60, 0))

	if len(*outcomes) != 1 || (*outcomes)[0].Student.ID != "s1" {
		t.Fatalf("only the first decoded code may be honored, got %+v", *outcomes)
	}
}

func TestCooldownThenReset(t *testing.T) {
	store := newFakeStore()
	e := New(store, codeOnce("X"), detectorFunc(func(_ context.Context, _ Frame) ([]Box, error) {
		return nil, nil
	}), Config{Cooldown: 3 * time.Second})
	collectOutcomes(e)

	start := time.Unix(0, 0)
	frame := testFrame(t)
	e.OnFrame(context.Background(), frame, start)
	if e.State() != StateDone {
		t.Fatalf("state = %v, want done", e.State())
	}

	e.OnFrame(context.Background(), frame, start.Add(time.Second))
	if e.State() != StateDone {
		t.Fatal("cooldown must hold the done state")
	}

	e.OnFrame(context.Background(), frame, start.Add(3*time.Second))
	if e.State() != StateIdle {
		t.Fatalf("state after cooldown = %v, want idle", e.State())
	}
}

func TestFaceWaitTimeout(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781"})
	detector := detectorFunc(func(_ context.Context, _ Frame) ([]Box, error) {
		return nil, nil // no face, ever
	})
	e := New(store, codeOnce("3781"), detector, Config{FaceWait: 5 * time.Second})
	outcomes := collectOutcomes(e)

	start := time.Unix(0, 0)
	frame := testFrame(t)
	e.OnFrame(context.Background(), frame, start)
	e.OnFrame(context.Background(), frame, start.Add(4*time.Second))
	if len(*outcomes) != 0 {
		t.Fatalf("timeout must not fire early, got %+v", *outcomes)
	}
	e.OnFrame(context.Background(), frame, start.Add(6*time.Second))
	if len(*outcomes) != 1 {
		t.Fatalf("want one outcome, got %d", len(*outcomes))
	}
	out := (*outcomes)[0]
	if out.Kind != RegistrationFailed || out.Reason != "face-center timeout" {
		t.Fatalf("want face-center timeout failure, got %+v", out)
	}
	if len(store.records) != 0 {
		t.Fatal("timed-out cycle must not open a record")
	}
}

func TestDuplicateOpenRecordRace(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781"})
	frame := testFrame(t)
	detector := detectorFunc(func(_ context.Context, f Frame) ([]Box, error) {
		return []Box{centeredBox(f)}, nil
	})
	e := New(store, codeOnce("3781"), detector, Config{CenteredFrames: 1})
	outcomes := collectOutcomes(e)

	now := time.Unix(0, 0)
	e.OnFrame(context.Background(), frame, now)
	// A concurrent scan claims the open slot between the check and the insert.
	store.seed(attendance.Record{ID: "raced", StudentID: "s1", EntryTime: now})
	e.OnFrame(context.Background(), frame, now.Add(33*time.Millisecond))

	if len(*outcomes) != 1 || (*outcomes)[0].Kind != RegistrationFailed {
		t.Fatalf("want RegistrationFailed on the unique-index race, got %+v", *outcomes)
	}
}

func TestInvariantViolationResetsCycle(t *testing.T) {
	store := newFakeStore(attendance.Student{ID: "s1", BadgeCode: "3781"})
	store.openErr = attendance.ErrInvariantViolation
	e := New(store, codeOnce("3781"), detectorFunc(func(_ context.Context, _ Frame) ([]Box, error) {
		return nil, nil
	}), Config{})
	outcomes := collectOutcomes(e)

	e.OnFrame(context.Background(), testFrame(t), time.Unix(0, 0))
	if len(*outcomes) != 1 || (*outcomes)[0].Kind != RegistrationFailed {
		t.Fatalf("want RegistrationFailed, got %+v", *outcomes)
	}
	if e.State() != StateDone {
		t.Fatal("the engine must survive an invariant violation and reset the cycle")
	}
}

// TestOpenRecordInvariantUnderRandomScans drives the engine through random
// scan sequences for several students and checks that no student ever holds
// more than one open record. The fake store fails the entry if the slot is
// already taken, mirroring the database index.
func TestOpenRecordInvariantUnderRandomScans(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	badges := []string{"100", "200", "300", "400"}
	students := make([]attendance.Student, len(badges))
	for i, b := range badges {
		students[i] = attendance.Student{ID: "s" + b, BadgeCode: b}
	}
	store := newFakeStore(students...)

	frame := testFrame(t)
	var nextCode string
	decoder := decoderFunc(func(_ context.Context, _ Frame) ([]string, error) {
		if nextCode == "" {
			return nil, nil
		}
		code := nextCode
		nextCode = ""
		return []string{code}, nil
	})
	detector := detectorFunc(func(_ context.Context, f Frame) ([]Box, error) {
		return []Box{centeredBox(f)}, nil
	})
	e := New(store, decoder, detector, Config{CenteredFrames: 2, Cooldown: time.Millisecond})

	now := time.Unix(0, 0)
	for i := 0; i < 500; i++ {
		if e.State() == StateIdle && rng.Intn(3) == 0 {
			nextCode = badges[rng.Intn(len(badges))]
		}
		now = now.Add(33 * time.Millisecond)
		e.OnFrame(context.Background(), frame, now)

		perStudent := map[string]int{}
		for _, rec := range store.records {
			if rec.Open() {
				perStudent[rec.StudentID]++
			}
		}
		for id, n := range perStudent {
			if n > 1 {
				t.Fatalf("student %s has %d open records after step %d", id, n, i)
			}
		}
	}
}
