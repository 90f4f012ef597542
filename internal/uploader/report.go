package uploader

import "fmt"

// Outcome is the result of driving one file or one sensor batch.
type Outcome int

const (
	OutcomeUploaded Outcome = iota
	OutcomeOffline
	OutcomeMissing
	OutcomeFailed
	OutcomeSkipped
	OutcomeError
)

var outcomeNames = [...]string{"uploaded", "offline", "missing", "failed", "skipped", "error"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Report counts outcomes of one pass.
type Report struct {
	Uploaded int `json:"uploaded"`
	Offline  int `json:"offline"`
	Missing  int `json:"missing"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

func (r *Report) record(o Outcome) {
	switch o {
	case OutcomeUploaded:
		r.Uploaded++
	case OutcomeOffline:
		r.Offline++
	case OutcomeMissing:
		r.Missing++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errors++
	}
}

// Add accumulates other into r.
func (r *Report) Add(other Report) {
	r.Uploaded += other.Uploaded
	r.Offline += other.Offline
	r.Missing += other.Missing
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Errors += other.Errors
}

// Total is the number of records or batches the pass looked at.
func (r Report) Total() int {
	return r.Uploaded + r.Offline + r.Missing + r.Failed + r.Skipped + r.Errors
}

func (r Report) String() string {
	return fmt.Sprintf("uploaded=%d offline=%d missing=%d failed=%d skipped=%d errors=%d",
		r.Uploaded, r.Offline, r.Missing, r.Failed, r.Skipped, r.Errors)
}
