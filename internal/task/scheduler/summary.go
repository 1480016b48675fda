package scheduler

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"datapipe/internal/task/job"
)

// Summary is the outcome of a RunAllNow pass.
type Summary struct {
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Results    []job.ExecutionResult `json:"results"`
}

func (s Summary) count(status string) int {
	n := 0
	for _, r := range s.Results {
		if r.Status() == status {
			n++
		}
	}
	return n
}

func (s Summary) Passed() int  { return s.count("PASS") }
func (s Summary) Failed() int  { return s.count("FAIL") }
func (s Summary) Skipped() int { return s.count("SKIP") }

// OK reports whether no job failed.
func (s Summary) OK() bool { return s.Failed() == 0 }

// WriteTable prints one PASS/FAIL/SKIP row per job and a totals line.
func (s Summary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tDURATION\tERROR")
	for _, r := range s.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.JobName, r.Status(), r.Duration().Truncate(time.Millisecond), r.Error)
	}
	fmt.Fprintf(tw, "\t\t\t\n%d passed, %d failed, %d skipped in %s\n",
		s.Passed(), s.Failed(), s.Skipped(), s.FinishedAt.Sub(s.StartedAt).Truncate(time.Millisecond))
	return tw.Flush()
}
