package shift

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Other is the catch-all shift name for entries outside every configured window.
const Other = "Other"

// Window is a named time-of-day range, inclusive on both ends.
type Window struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	startMin int
	endMin   int
}

// Table classifies timestamps into shifts. Windows keep declaration order;
// classification returns the first match, so order is the tie-break if a
// hand-built table ever carries overlapping windows.
type Table struct {
	windows []Window
}

// Default returns the cafeteria's standard meal windows.
func Default() *Table {
	t, err := New([]Window{
		{Name: "Breakfast", Start: "09:30", End: "09:50"},
		{Name: "Lunch", Start: "11:00", End: "12:50"},
		{Name: "Snack", Start: "14:30", End: "14:50"},
		{Name: "Dinner", Start: "19:30", End: "20:40"},
	})
	if err != nil {
		panic(err) // static table, cannot fail
	}
	return t
}

// New builds a table from windows, rejecting malformed or overlapping ranges.
func New(windows []Window) (*Table, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("shift: at least one window required")
	}
	parsed := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.Name == "" || w.Name == Other {
			return nil, fmt.Errorf("shift: invalid window name %q", w.Name)
		}
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("shift: window %q: %w", w.Name, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("shift: window %q: %w", w.Name, err)
		}
		if end < start {
			return nil, fmt.Errorf("shift: window %q ends before it starts", w.Name)
		}
		w.startMin, w.endMin = start, end
		parsed = append(parsed, w)
	}
	for i := range parsed {
		for j := i + 1; j < len(parsed); j++ {
			a, b := parsed[i], parsed[j]
			if a.startMin <= b.endMin && b.startMin <= a.endMin {
				return nil, fmt.Errorf("shift: windows %q and %q overlap", a.Name, b.Name)
			}
		}
	}
	return &Table{windows: parsed}, nil
}

// Load reads windows from a YAML file. An empty path returns the default table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shift: read %s: %w", path, err)
	}
	var doc struct {
		Shifts []Window `yaml:"shifts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("shift: parse %s: %w", path, err)
	}
	return New(doc.Shifts)
}

// Classify returns the name of the first window containing t's time of day,
// or Other when none does. Classification is total.
func (t *Table) Classify(at time.Time) string {
	m := at.Hour()*60 + at.Minute()
	for _, w := range t.windows {
		if w.startMin <= m && m <= w.endMin {
			return w.Name
		}
	}
	return Other
}

// Names lists configured shift names in display order, with Other last.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.windows)+1)
	for _, w := range t.windows {
		names = append(names, w.Name)
	}
	return append(names, Other)
}

// WindowsMatching returns the windows whose names appear in the filter set,
// preserving declaration order. Used to build shift-filtered report queries.
func (t *Table) WindowsMatching(names map[string]bool) []Window {
	var out []Window
	for _, w := range t.windows {
		if names[w.Name] {
			out = append(out, w)
		}
	}
	return out
}

// DisplayIndex returns the position of a shift name in display order.
// Other (and unknown names) sort after every configured shift.
func (t *Table) DisplayIndex(name string) int {
	for i, w := range t.windows {
		if w.Name == name {
			return i
		}
	}
	return len(t.windows)
}

func parseClock(s string) (int, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
