package report

import (
	"context"
	"sort"
	"time"

	"refectory/internal/attendance"
	"refectory/internal/shift"
)

// AllShifts is the shift column value for rows that aggregate across shifts.
const AllShifts = "all"

// RecordReader is the read-only store surface reports run over.
type RecordReader interface {
	RecordsInRange(ctx context.Context, start, end time.Time) ([]attendance.Record, error)
	CountStudents(ctx context.Context) (int, error)
	CountEntries(ctx context.Context, start, end time.Time) (int, error)
	CountDistinctStudents(ctx context.Context, start, end time.Time) (int, error)
}

// Row is one line of an aggregated report. Produced, never persisted.
type Row struct {
	Period           string `json:"period"`
	Shift            string `json:"shift"`
	Entries          int    `json:"entries"`
	DistinctStudents int    `json:"distinct_students"`
}

// DetailRow is one record in a per-day detail view.
type DetailRow struct {
	EntryTime time.Time          `json:"entry_time"`
	ExitTime  *time.Time         `json:"exit_time,omitempty"`
	Student   attendance.Student `json:"student"`
	Shift     string             `json:"shift"`
}

// HourBucket counts entries in one hour-aligned interval.
type HourBucket struct {
	Start   time.Time `json:"start"`
	Entries int       `json:"entries"`
}

// Stats is the operator dashboard summary.
type Stats struct {
	TotalStudents         int `json:"total_students"`
	EntriesToday          int `json:"entries_today"`
	EntriesThisMonth      int `json:"entries_this_month"`
	DistinctStudentsToday int `json:"distinct_students_today"`
}

// Aggregator builds shift-classified summaries over attendance records. All
// methods are read-only and recompute from the store on every call, so results
// stay consistent with whatever the gate has written by call time.
type Aggregator struct {
	reader RecordReader
	shifts *shift.Table
	loc    *time.Location
}

// NewAggregator creates an aggregator. loc is the wall-clock timezone used for
// shift classification and calendar grouping; nil means time.Local.
func NewAggregator(reader RecordReader, shifts *shift.Table, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{reader: reader, shifts: shifts, loc: loc}
}

// ByShift groups entries in [start, end) by classified shift, ordered by the
// table's display order with Other last.
func (a *Aggregator) ByShift(ctx context.Context, start, end time.Time) ([]Row, error) {
	records, err := a.reader.RecordsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	period := periodKey(start.In(a.loc), end.In(a.loc))
	entries := map[string]int{}
	students := map[string]map[string]struct{}{}
	for _, rec := range records {
		name := a.shifts.Classify(rec.EntryTime.In(a.loc))
		entries[name]++
		if students[name] == nil {
			students[name] = map[string]struct{}{}
		}
		students[name][rec.StudentID] = struct{}{}
	}
	rows := make([]Row, 0, len(entries))
	for name, n := range entries {
		rows = append(rows, Row{Period: period, Shift: name, Entries: n, DistinctStudents: len(students[name])})
	}
	sort.Slice(rows, func(i, j int) bool {
		return a.shifts.DisplayIndex(rows[i].Shift) < a.shifts.DisplayIndex(rows[j].Shift)
	})
	return rows, nil
}

// ByDay groups entries in [start, end) by calendar date. A non-empty filter
// keeps only entries whose classified shift is in the set.
func (a *Aggregator) ByDay(ctx context.Context, start, end time.Time, filter map[string]bool) ([]Row, error) {
	records, err := a.reader.RecordsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	entries := map[string]int{}
	students := map[string]map[string]struct{}{}
	for _, rec := range records {
		local := rec.EntryTime.In(a.loc)
		if !a.matches(local, filter) {
			continue
		}
		day := local.Format("2006-01-02")
		entries[day]++
		if students[day] == nil {
			students[day] = map[string]struct{}{}
		}
		students[day][rec.StudentID] = struct{}{}
	}
	days := make([]string, 0, len(entries))
	for day := range entries {
		days = append(days, day)
	}
	sort.Strings(days)
	rows := make([]Row, 0, len(days))
	for _, day := range days {
		rows = append(rows, Row{Period: day, Shift: AllShifts, Entries: entries[day], DistinctStudents: len(students[day])})
	}
	return rows, nil
}

// ByWeek reports the Monday-aligned week containing anchor, day by day.
func (a *Aggregator) ByWeek(ctx context.Context, anchor time.Time, filter map[string]bool) ([]Row, error) {
	local := anchor.In(a.loc)
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week that started the previous Monday
	}
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc).AddDate(0, 0, -(weekday - 1))
	return a.ByDay(ctx, start, start.AddDate(0, 0, 7), filter)
}

// ByMonth reports a calendar month, day by day.
func (a *Aggregator) ByMonth(ctx context.Context, year int, month time.Month, filter map[string]bool) ([]Row, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, a.loc)
	return a.ByDay(ctx, start, start.AddDate(0, 1, 0), filter)
}

// DetailForDay lists the records of one calendar day, entry time ascending.
func (a *Aggregator) DetailForDay(ctx context.Context, date time.Time, filter map[string]bool) ([]DetailRow, error) {
	local := date.In(a.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
	records, err := a.reader.RecordsInRange(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	var rows []DetailRow
	for _, rec := range records {
		entry := rec.EntryTime.In(a.loc)
		if !a.matches(entry, filter) {
			continue
		}
		row := DetailRow{EntryTime: entry, Shift: a.shifts.Classify(entry)}
		if rec.ExitTime != nil {
			exit := rec.ExitTime.In(a.loc)
			row.ExitTime = &exit
		}
		if rec.Student != nil {
			row.Student = *rec.Student
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// HourlyFrequency buckets entries in [start, end) into hour-aligned intervals
// for the frequency chart.
func (a *Aggregator) HourlyFrequency(ctx context.Context, start, end time.Time) ([]HourBucket, error) {
	records, err := a.reader.RecordsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	counts := map[time.Time]int{}
	for _, rec := range records {
		local := rec.EntryTime.In(a.loc)
		hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, a.loc)
		counts[hour]++
	}
	buckets := make([]HourBucket, 0, len(counts))
	for hour, n := range counts {
		buckets = append(buckets, HourBucket{Start: hour, Entries: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets, nil
}

// GeneralStats returns the dashboard counters as of now.
func (a *Aggregator) GeneralStats(ctx context.Context, now time.Time) (Stats, error) {
	local := now.In(a.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, a.loc)

	var stats Stats
	var err error
	if stats.TotalStudents, err = a.reader.CountStudents(ctx); err != nil {
		return Stats{}, err
	}
	if stats.EntriesToday, err = a.reader.CountEntries(ctx, dayStart, dayEnd); err != nil {
		return Stats{}, err
	}
	if stats.EntriesThisMonth, err = a.reader.CountEntries(ctx, monthStart, dayEnd); err != nil {
		return Stats{}, err
	}
	if stats.DistinctStudentsToday, err = a.reader.CountDistinctStudents(ctx, dayStart, dayEnd); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (a *Aggregator) matches(entry time.Time, filter map[string]bool) bool {
	if len(filter) == 0 {
		return true
	}
	return filter[a.shifts.Classify(entry)]
}

func periodKey(start, end time.Time) string {
	const day = "2006-01-02"
	if start.Format(day) == end.Add(-time.Nanosecond).Format(day) {
		return start.Format(day)
	}
	return start.Format(day) + ".." + end.Format(day)
}
