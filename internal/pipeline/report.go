package pipeline

import "time"

// Outcome is what happened to one remote directory during a run.
type Outcome string

const (
	// OutcomeLoaded means the directory's rows were merged into the table.
	OutcomeLoaded Outcome = "loaded"
	// OutcomeEmpty means the directory held no delta files.
	OutcomeEmpty Outcome = "empty"
	// OutcomeDeferred means the directory is not available yet and was queued.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means fetching, parsing or loading failed; it was queued.
	OutcomeFailed Outcome = "failed"
)

// DirReport summarises one directory.
type DirReport struct {
	Dir         string  `json:"dir" yaml:"dir"`
	Granularity string  `json:"granularity" yaml:"granularity"`
	Outcome     Outcome `json:"outcome" yaml:"outcome"`
	Reason      string  `json:"reason,omitempty" yaml:"reason,omitempty"`
	Files       int     `json:"files" yaml:"files"`
	Parsed      int     `json:"parsed" yaml:"parsed"`
	Duplicates  int     `json:"duplicates" yaml:"duplicates"`
	Staged      int64   `json:"staged" yaml:"staged"`
	Added       int64   `json:"added" yaml:"added"`
	Error       string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report summarises a run.
type Report struct {
	RunID     string      `json:"run_id" yaml:"run_id"`
	Started   time.Time   `json:"started" yaml:"started"`
	Finished  time.Time   `json:"finished" yaml:"finished"`
	Recovered string      `json:"recovered,omitempty" yaml:"recovered,omitempty"`
	Before    int64       `json:"before" yaml:"before"`
	After     int64       `json:"after" yaml:"after"`
	Backlog   int         `json:"backlog" yaml:"backlog"`
	Dirs      []DirReport `json:"dirs" yaml:"dirs"`
}

// Count returns how many directories ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, d := range r.Dirs {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

// Added is the growth of the destination table over the run.
func (r Report) Added() int64 { return r.After - r.Before }

// Find returns the report for dir.
func (r Report) Find(dir string) (DirReport, bool) {
	for _, d := range r.Dirs {
		if d.Dir == dir {
			return d, true
		}
	}
	return DirReport{}, false
}
