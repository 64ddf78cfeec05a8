package shift

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func TestClassify(t *testing.T) {
	table := Default()
	cases := []struct {
		name string
		when time.Time
		want string
	}{
		{"lunch start", at(11, 0), "Lunch"},
		{"inside lunch", at(11, 5), "Lunch"},
		{"lunch end inclusive", at(12, 50), "Lunch"},
		{"breakfast", at(9, 40), "Breakfast"},
		{"snack", at(14, 30), "Snack"},
		{"dinner end", at(20, 40), "Dinner"},
		{"mid afternoon", at(15, 0), Other},
		{"just before lunch", at(10, 59), Other},
		{"midnight", at(0, 0), Other},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := table.Classify(tc.when); got != tc.want {
				t.Fatalf("Classify(%s) = %q, want %q", tc.when.Format("15:04"), got, tc.want)
			}
		})
	}
}

// Classification must be total: every minute of the day maps to exactly one name.
func TestClassifyIsTotal(t *testing.T) {
	table := Default()
	known := map[string]bool{}
	for _, name := range table.Names() {
		known[name] = true
	}
	for m := 0; m < 24*60; m++ {
		got := table.Classify(at(m/60, m%60))
		if !known[got] {
			t.Fatalf("minute %d classified as unknown shift %q", m, got)
		}
	}
}

func TestFirstDeclaredWindowWinsOnOverlap(t *testing.T) {
	// Built by hand to bypass New's overlap validation.
	table := &Table{windows: []Window{
		{Name: "First", startMin: 600, endMin: 660},
		{Name: "Second", startMin: 630, endMin: 700},
	}}
	if got := table.Classify(at(10, 45)); got != "First" {
		t.Fatalf("overlap tie-break = %q, want First", got)
	}
}

func TestNewRejectsBadTables(t *testing.T) {
	cases := []struct {
		name    string
		windows []Window
	}{
		{"empty", nil},
		{"overlap", []Window{
			{Name: "A", Start: "10:00", End: "11:00"},
			{Name: "B", Start: "10:30", End: "12:00"},
		}},
		{"touching bounds overlap", []Window{
			{Name: "A", Start: "10:00", End: "11:00"},
			{Name: "B", Start: "11:00", End: "12:00"},
		}},
		{"end before start", []Window{{Name: "A", Start: "12:00", End: "11:00"}}},
		{"bad clock", []Window{{Name: "A", Start: "25:99", End: "11:00"}}},
		{"reserved name", []Window{{Name: Other, Start: "10:00", End: "11:00"}}},
		{"empty name", []Window{{Start: "10:00", End: "11:00"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.windows); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestWindowsMatching(t *testing.T) {
	table := Default()
	got := table.WindowsMatching(map[string]bool{"Lunch": true, "Dinner": true, "Nope": true})
	if len(got) != 2 || got[0].Name != "Lunch" || got[1].Name != "Dinner" {
		t.Fatalf("WindowsMatching = %+v, want Lunch then Dinner", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shifts.yaml")
	doc := `shifts:
  - name: Lunch
    start: "11:00"
    end: "12:50"
  - name: Dinner
    start: "19:30"
    end: "20:40"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := table.Classify(at(11, 5)); got != "Lunch" {
		t.Fatalf("entry at 11:05 = %q, want Lunch", got)
	}
	if got := table.Classify(at(15, 0)); got != Other {
		t.Fatalf("entry at 15:00 = %q, want Other", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
	table, err = Load("")
	if err != nil || table == nil {
		t.Fatalf("empty path must yield the default table, got %v", err)
	}
}
