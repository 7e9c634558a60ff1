package rewrite

import (
	"bytes"
	"fmt"

	"github.com/gomlx/quant-rewrite/tfgraph"
)

// Outcome of the rewrite of one match.
type Outcome int

const (
	// Applied means the match was rewritten.
	Applied Outcome = iota

	// Skipped means the match didn't fulfill the preconditions, and was left untouched.
	Skipped

	// Failed means the match was malformed: the whole pass is aborted.
	Failed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MatchResult describes what happened to one match.
type MatchResult struct {
	Match   tfgraph.Match
	Outcome Outcome

	// Reason a match was skipped.
	Reason string

	// Err that failed the match.
	Err error

	// Names and values of the new calibration constants, for applied matches.
	MinName, MaxName   string
	MinValue, MaxValue float32
}

// Report of a pass: one result per match, in the order they were found.
type Report struct {
	Direction Direction
	Results   []MatchResult
}

func (r *Report) count(outcome Outcome) int {
	n := 0
	for _, result := range r.Results {
		if result.Outcome == outcome {
			n++
		}
	}
	return n
}

// Applied returns the number of rewritten matches.
func (r *Report) Applied() int { return r.count(Applied) }

// Skipped returns the number of matches left untouched.
func (r *Report) Skipped() int { return r.count(Skipped) }

// String implements fmt.Stringer, with one line per match.
func (r *Report) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scale propagation (%s): %d matches, %d applied, %d skipped\n",
		r.Direction, len(r.Results), r.Applied(), r.Skipped())
	for _, result := range r.Results {
		fmt.Fprintf(&buf, "\t%s\t%s\n", result.Outcome, result.Match)
		switch result.Outcome {
		case Applied:
			fmt.Fprintf(&buf, "\t\tmin=%g (%s)\n\t\tmax=%g (%s)\n", result.MinValue, result.MinName, result.MaxValue, result.MaxName)
		case Skipped:
			fmt.Fprintf(&buf, "\t\t%s\n", result.Reason)
		case Failed:
			fmt.Fprintf(&buf, "\t\t%v\n", result.Err)
		}
	}
	return buf.String()
}
