package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
)

// LoadOptions configures Load.
type LoadOptions struct {
	// BatchSize is the number of rows committed per transaction.
	BatchSize int
	// SourceFile is recorded on every stored row.
	SourceFile string
	// RunID identifies this load; a random UUID when empty.
	RunID string
	// ErrorLog, when set, receives every rejected row as CSV.
	ErrorLog io.Writer
}

// Summary counts the outcome of one load.
type Summary struct {
	RunID    string
	Accepted int64
	Rejected int64
	ByReason map[string]int64
}

var errorLogHeader = []string{"run_id", "row_number", "reason", "detail", "raw"}

// Load streams normalized triples from in into the affiliations table.
// Undecodable rows are diverted with a reason and loading continues.
func (s *Store) Load(ctx context.Context, in io.Reader, opts LoadOptions) (*Summary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10000
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	sum := &Summary{RunID: opts.RunID, ByReason: make(map[string]int64)}

	r, err := flatrow.NewTripleReader(in)
	if err != nil {
		return sum, &api.StageError{Stage: "load", RecordRange: "header", Err: err}
	}
	if err := s.CreateTables(ctx); err != nil {
		return sum, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO load_runs (run_id, source_file, started_at) VALUES (?, ?, ?)`,
		opts.RunID, opts.SourceFile, time.Now().Unix()); err != nil {
		return sum, fmt.Errorf("record load run: %w", err)
	}

	var elog *csv.Writer
	if opts.ErrorLog != nil {
		elog = csv.NewWriter(opts.ErrorLog)
		if err := elog.Write(errorLogHeader); err != nil {
			return sum, err
		}
	}

	s.log.Info("load started", "run_id", opts.RunID, "source", opts.SourceFile, "db", s.path)

	var (
		batch   []pending
		decoded []api.ErrorRecord
	)
	flush := func() error {
		if len(batch) == 0 && len(decoded) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		first := int64(0)
		if len(batch) > 0 {
			first = batch[0].line
		}
		n, rejected, err := s.insert(ctx, opts.RunID, batch, decoded)
		if err != nil {
			return &api.StageError{Stage: "load", RecordRange: fmt.Sprintf("rows from line %d", first), Err: err}
		}
		sum.Accepted += int64(n)
		for _, e := range rejected {
			sum.Rejected++
			sum.ByReason[e.Reason]++
			if elog != nil {
				if err := elog.Write([]string{e.RunID, fmt.Sprint(e.RowNumber), e.Reason, e.Detail, e.Raw}); err != nil {
					return err
				}
			}
		}
		batch, decoded = batch[:0], decoded[:0]
		return nil
	}

	for {
		t, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var rowErr *flatrow.RowError
			if !errors.As(err, &rowErr) {
				return sum, &api.StageError{Stage: "load", RecordRange: fmt.Sprintf("line %d", r.Line()), Err: err}
			}
			decoded = append(decoded, api.ErrorRecord{
				RunID:     opts.RunID,
				RowNumber: rowErr.Line,
				Reason:    reasonFor(rowErr),
				Detail:    rowErr.Err.Error(),
				Raw:       rawLine(rowErr.Raw),
			})
		} else {
			batch = append(batch, pending{
				rec:  api.StoreRecord{NormalizedTriple: t, SourceFile: opts.SourceFile, LoadRunID: opts.RunID},
				line: r.Line(),
			})
		}
		if len(batch)+len(decoded) >= opts.BatchSize {
			if err := flush(); err != nil {
				return sum, err
			}
		}
	}
	if err := flush(); err != nil {
		return sum, err
	}
	if elog != nil {
		elog.Flush()
		if err := elog.Error(); err != nil {
			return sum, err
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE load_runs SET finished_at = ?, accepted = ?, rejected = ? WHERE run_id = ?`,
		time.Now().Unix(), sum.Accepted, sum.Rejected, opts.RunID); err != nil {
		return sum, fmt.Errorf("record load run: %w", err)
	}
	s.log.Info("load finished", "run_id", opts.RunID, "accepted", sum.Accepted, "rejected", sum.Rejected)
	for reason, n := range sum.ByReason {
		s.log.Warn("rows rejected", "reason", reason, "count", n)
	}
	return sum, nil
}

func reasonFor(e *flatrow.RowError) string {
	var fe *flatrow.FieldError
	if errors.As(e.Err, &fe) {
		switch fe.Column {
		case "author_sequence":
			return ReasonBadAuthorSequence
		case "affiliation_sequence":
			return ReasonBadAffiliationSequence
		}
	}
	return ReasonMalformedRow
}

func rawLine(rec []string) string {
	if len(rec) == 0 {
		return ""
	}
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(rec)
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// Report describes the contents of a database.
type Report struct {
	Rows            int64
	Documents       int64
	AffiliationKeys int64
	LoadErrors      int64
	LoadRuns        int64
	// Indexes maps each lookup index name to whether it exists.
	Indexes map[string]bool
}

// Verify counts rows and checks which lookup indexes are present.
func (s *Store) Verify(ctx context.Context) (*Report, error) {
	rep := &Report{Indexes: make(map[string]bool)}
	counts := []struct {
		dst *int64
		q   string
	}{
		{&rep.Rows, "SELECT COUNT(*) FROM affiliations"},
		{&rep.Documents, "SELECT COUNT(DISTINCT document_id) FROM affiliations"},
		{&rep.AffiliationKeys, "SELECT COUNT(DISTINCT affiliation_key) FROM affiliations WHERE affiliation_key != ''"},
		{&rep.LoadErrors, "SELECT COUNT(*) FROM load_errors"},
		{&rep.LoadRuns, "SELECT COUNT(*) FROM load_runs"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?`, TableAffiliations)
	if err != nil {
		return nil, fmt.Errorf("verify indexes: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore
	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, idx := range Indexes {
		rep.Indexes[idx.Name] = present[idx.Name]
	}
	return rep, nil
}

// LoadErrors returns the rejected rows recorded for runID, or for all runs
// when runID is empty.
func (s *Store) LoadErrors(ctx context.Context, runID string) ([]api.ErrorRecord, error) {
	q := `SELECT run_id, row_number, reason, detail, raw FROM load_errors`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY rowid`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []api.ErrorRecord
	for rows.Next() {
		var (
			e      api.ErrorRecord
			detail sql.NullString
			raw    sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.RowNumber, &e.Reason, &detail, &raw); err != nil {
			return nil, err
		}
		e.Detail, e.Raw = detail.String, raw.String
		out = append(out, e)
	}
	return out, rows.Err()
}
