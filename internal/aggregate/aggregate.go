// Package aggregate merges a run's stored records into ordered output rows.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sink"
	"github.com/seantiz/forge/internal/source"
	"github.com/seantiz/forge/internal/store"
)

// missingCause is recorded for positions the store has no record for.
const missingCause = "no result recorded for task"

// Merge returns one row per input position, in input order. A record is
// matched by run id, domain and position; a position without a matching
// record becomes a missing_result failure row. Merge does not modify its
// arguments.
func Merge(run *model.Run, records []*model.Record) []model.Row {
	byPos := make(map[int]*model.Record, len(records))
	for _, rec := range records {
		if rec == nil || rec.RunID != run.ID {
			continue
		}
		if rec.Position < 0 || rec.Position >= len(run.Domains) || run.Domains[rec.Position] != rec.Domain {
			continue
		}
		if _, seen := byPos[rec.Position]; !seen {
			byPos[rec.Position] = rec
		}
	}

	rows := make([]model.Row, len(run.Domains))
	for i, domain := range run.Domains {
		rec, ok := byPos[i]
		if !ok {
			rows[i] = model.Row{
				Position:     i,
				Domain:       domain,
				Status:       model.StatusFailed,
				FailureKind:  model.FailureMissingResult,
				FailureCause: missingCause,
			}
			continue
		}
		row := model.Row{
			Position: i,
			Domain:   domain,
			Status:   rec.Status,
			Payload:  rec.Payload,
		}
		if rec.Failure != nil {
			row.FailureKind = rec.Failure.Kind
			row.FailureCause = rec.Failure.Cause
		}
		rows[i] = row
	}
	return rows
}

// Carried holds rows of an earlier output by domain. Carried domains are
// not run again.
type Carried map[string]model.Row

// Carry indexes the succeeded rows of prior by domain. The first row for a
// domain wins.
func Carry(prior []model.Row) Carried {
	c := make(Carried)
	for _, r := range prior {
		if r.Status != model.StatusSucceeded || r.Domain == "" {
			continue
		}
		if _, ok := c[r.Domain]; !ok {
			c[r.Domain] = r
		}
	}
	return c
}

// Pending returns the inputs whose domain has no carried row, in order.
func (c Carried) Pending(inputs source.Inputs) source.Inputs {
	pending := make(source.Inputs, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := c[in.Domain]; !ok {
			pending = append(pending, in)
		}
	}
	return pending
}

// Layout maps a run's rows back onto the full input. The zero Layout keeps
// the run's own positions.
type Layout struct {
	// Inputs is the whole input in order. The run covers, in the same order,
	// the inputs that have no carried row.
	Inputs  source.Inputs
	Carried Carried
}

// Apply returns one row per input: the carried row where there is one,
// otherwise the run's next row. Each row takes its input position and
// fields. A run row that does not match its input is reported missing.
func (l Layout) Apply(rows []model.Row) []model.Row {
	if l.Inputs == nil {
		return rows
	}
	out := make([]model.Row, len(l.Inputs))
	next := 0
	for i, in := range l.Inputs {
		var row model.Row
		if c, ok := l.Carried[in.Domain]; ok {
			row = c
		} else if next < len(rows) && rows[next].Domain == in.Domain {
			row = rows[next]
			next++
		} else {
			row = model.Row{
				Status:       model.StatusFailed,
				FailureKind:  model.FailureMissingResult,
				FailureCause: missingCause,
			}
		}
		row.Position = i
		row.Domain = in.Domain
		row.Input = in.Fields
		out[i] = row
	}
	return out
}

// Counts tallies merged rows.
type Counts struct {
	Succeeded int
	Failed    int
	Missing   int
}

// Tally counts succeeded rows, everything else as failed, and the missing
// subset of the failures.
func Tally(rows []model.Row) Counts {
	var c Counts
	for _, r := range rows {
		switch {
		case r.Status == model.StatusSucceeded:
			c.Succeeded++
		case r.FailureKind == model.FailureMissingResult:
			c.Failed++
			c.Missing++
		default:
			c.Failed++
		}
	}
	return c
}

// Aggregator reads records back from the store and merges them.
type Aggregator struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an aggregator over s.
func New(s store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: s, logger: logger.With("component", "aggregate")}
}

// Aggregate returns the run's rows. It only reads, so calling it again after
// completion yields the same rows.
func (a *Aggregator) Aggregate(ctx context.Context, run *model.Run) ([]model.Row, error) {
	records, err := a.store.GetResults(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("get results for run %s: %w", run.ID, err)
	}
	rows := Merge(run, records)

	c := Tally(rows)
	a.logger.Info(fmt.Sprintf("success %d, failed %d", c.Succeeded, c.Failed),
		"run_id", run.ID,
		"rows", len(rows),
		"missing", c.Missing,
	)
	return rows, nil
}

// Flush aggregates the run, lays the rows out over the input and writes
// them to s.
func (a *Aggregator) Flush(ctx context.Context, run *model.Run, s sink.Sink, layout Layout) ([]model.Row, error) {
	rows, err := a.Aggregate(ctx, run)
	if err != nil {
		return nil, err
	}
	rows = layout.Apply(rows)
	if err := s.Write(ctx, run, rows); err != nil {
		return rows, fmt.Errorf("write rows for run %s: %w", run.ID, err)
	}
	a.logger.Info("rows written", "run_id", run.ID, "rows", len(rows), "sink", s.String())
	return rows, nil
}
