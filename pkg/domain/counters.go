package domain

import "time"

// DayKey indexes Form.DailyCounts.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// MonthKey indexes Form.MonthlyCounts.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// CountSubmission applies one stored submission, created at the given time,
// to the form counters.
func (f *Form) CountSubmission(at time.Time) {
	at = at.UTC()
	f.NumOfSubmissions++
	f.LastSubmissionTime = &at
	if f.DailyCounts == nil {
		f.DailyCounts = make(map[string]int64)
	}
	if f.MonthlyCounts == nil {
		f.MonthlyCounts = make(map[string]int64)
	}
	f.DailyCounts[DayKey(at)]++
	f.MonthlyCounts[MonthKey(at)]++
}

// ResetCounters clears every derived counter so they can be rebuilt.
func (f *Form) ResetCounters() {
	f.NumOfSubmissions = 0
	f.LastSubmissionTime = nil
	f.DailyCounts = make(map[string]int64)
	f.MonthlyCounts = make(map[string]int64)
	f.AttachmentStorageBytes = 0
}
