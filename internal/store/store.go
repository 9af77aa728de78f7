// Package store keeps normalized triples in an indexed SQLite table and
// answers the equality lookups used by linkage and discovery.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/names"
	"github.com/agentic-research/affilink/internal/normalize"
)

const (
	TableAffiliations = "affiliations"
	TableLoadErrors   = "load_errors"
	TableLoadRuns     = "load_runs"
)

// Rejection reasons recorded with each diverted row.
const (
	ReasonMissingDocumentID      = "missing_document_id"
	ReasonBadAuthorSequence      = "bad_author_sequence"
	ReasonBadAffiliationSequence = "bad_affiliation_sequence"
	ReasonMalformedRow           = "malformed_row"
	ReasonInsertFailed           = "insert_failed"
)

// ErrRejected matches every *RejectError.
var ErrRejected = errors.New("row rejected")

// RejectError explains why one row was diverted to the error log.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectError) Is(target error) bool { return target == ErrRejected }

const schema = `
CREATE TABLE IF NOT EXISTS affiliations (
	id INTEGER PRIMARY KEY,
	document_id TEXT NOT NULL,
	document_key TEXT NOT NULL,
	author_sequence INTEGER NOT NULL CHECK (author_sequence >= 0),
	author_given_original TEXT,
	author_given_normalized TEXT,
	author_family_original TEXT,
	author_family_normalized TEXT,
	author_name_original TEXT,
	author_name_normalized TEXT,
	author_key TEXT,
	affiliation_sequence INTEGER CHECK (affiliation_sequence IS NULL OR affiliation_sequence >= 0),
	affiliation_name_original TEXT,
	affiliation_name_normalized TEXT,
	affiliation_key TEXT,
	affiliation_ref TEXT,
	coordinate_flag TEXT,
	origin_shard TEXT,
	source_file TEXT,
	load_run_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_affiliations_occurrence
	ON affiliations(document_id, author_sequence, IFNULL(affiliation_sequence, -1));

CREATE TABLE IF NOT EXISTS load_errors (
	run_id TEXT NOT NULL,
	row_number INTEGER,
	reason TEXT NOT NULL,
	detail TEXT,
	raw TEXT
);

CREATE TABLE IF NOT EXISTS load_runs (
	run_id TEXT PRIMARY KEY,
	source_file TEXT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	accepted INTEGER DEFAULT 0,
	rejected INTEGER DEFAULT 0
);
`

// Index is a secondary lookup structure on one column of the affiliations table.
type Index struct {
	Name   string
	Column string
}

// Indexes lists every lookup index, created after bulk load.
var Indexes = []Index{
	{"idx_affiliations_document_id", "document_id"},
	{"idx_affiliations_document_key", "document_key"},
	{"idx_affiliations_author_name", "author_name_normalized"},
	{"idx_affiliations_author_key", "author_key"},
	{"idx_affiliations_affiliation_key", "affiliation_key"},
	{"idx_affiliations_affiliation_ref", "affiliation_ref"},
}

// queryable is the set of columns QueryBy accepts.
var queryable = map[string]bool{
	"document_id":            true,
	"document_key":           true,
	"author_name_normalized": true,
	"author_key":             true,
	"affiliation_key":        true,
	"affiliation_ref":        true,
}

const recordColumns = `id, document_id, document_key, author_sequence,
	author_given_original, author_given_normalized, author_family_original, author_family_normalized,
	author_name_original, author_name_normalized, author_key,
	affiliation_sequence, affiliation_name_original, affiliation_name_normalized, affiliation_key,
	affiliation_ref, coordinate_flag, origin_shard, source_file, load_run_id`

// Store is a handle on one database file.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	log      *slog.Logger
}

// Open opens or creates a database for loading and querying.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	// Performance tuning for bulk insert
	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = MEMORY"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, log: slog.Default()}, nil
}

// OpenReadOnly opens an existing database for queries only.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &Store{db: db, path: path, readOnly: true, log: slog.Default()}, nil
}

// WithLogger sets the logger used for progress and warnings.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// CreateTables creates the affiliations, load_errors and load_runs tables.
func (s *Store) CreateTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CreateIndexes builds the named lookup indexes, or all of them when none are
// named. Existing indexes are left alone. It returns the names created or kept.
func (s *Store) CreateIndexes(ctx context.Context, columns ...string) ([]string, error) {
	want := Indexes
	if len(columns) > 0 {
		want = nil
		for _, c := range columns {
			idx, ok := indexFor(c)
			if !ok {
				return nil, fmt.Errorf("no index defined for column %q", c)
			}
			want = append(want, idx)
		}
	}
	var done []string
	for _, idx := range want {
		q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.Name, TableAffiliations, idx.Column)
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return done, fmt.Errorf("create index %s: %w", idx.Name, err)
		}
		s.log.Debug("index ready", "index", idx.Name, "column", idx.Column)
		done = append(done, idx.Name)
	}
	return done, nil
}

func indexFor(column string) (Index, bool) {
	for _, idx := range Indexes {
		if idx.Column == column || idx.Name == column {
			return idx, true
		}
	}
	return Index{}, false
}

// Prepare fills the derived lookup keys of r. The affiliation key is always
// recomputed from the normalized affiliation name.
func Prepare(r *api.StoreRecord) {
	if r.AffiliationNameNormalized == "" && r.AffiliationNameOriginal != "" {
		r.AffiliationNameNormalized = normalize.Normalize(r.AffiliationNameOriginal)
	}
	if r.AuthorNameNormalized == "" && r.AuthorNameOriginal != "" {
		r.AuthorNameNormalized = normalize.Normalize(r.AuthorNameOriginal)
	}
	r.AffiliationKey = normalize.AffiliationKey(r.AffiliationNameNormalized)
	r.DocumentKey = normalize.DocumentKey(r.DocumentID)
	if r.AuthorKey == "" {
		r.AuthorKey = names.StoreKey(r.AuthorGivenOriginal, r.AuthorFamilyOriginal, r.AuthorNameOriginal)
	}
}

// Validate reports why r cannot be stored, or nil.
func Validate(r *api.StoreRecord) error {
	switch {
	case strings.TrimSpace(r.DocumentID) == "":
		return &RejectError{Reason: ReasonMissingDocumentID}
	case r.AuthorSequence < 0:
		return &RejectError{Reason: ReasonBadAuthorSequence, Detail: fmt.Sprint(r.AuthorSequence)}
	case r.AffiliationSequence < api.NoSequence:
		return &RejectError{Reason: ReasonBadAffiliationSequence, Detail: fmt.Sprint(r.AffiliationSequence)}
	}
	return nil
}

type pending struct {
	rec  api.StoreRecord
	line int64
	raw  string
}

// BatchInsert appends records in one transaction. Rows that fail validation
// or insertion are returned as ErrorRecords and also written to load_errors;
// the error result is reserved for failures of the batch as a whole.
func (s *Store) BatchInsert(ctx context.Context, recs []api.StoreRecord) (int, []api.ErrorRecord, error) {
	batch := make([]pending, len(recs))
	for i := range recs {
		batch[i] = pending{rec: recs[i], line: int64(i + 1)}
	}
	return s.insert(ctx, "", batch, nil)
}

func (s *Store) insert(ctx context.Context, runID string, batch []pending, extra []api.ErrorRecord) (int, []api.ErrorRecord, error) {
	if s.readOnly {
		return 0, nil, errors.New("store opened read-only")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO affiliations (
		document_id, document_key, author_sequence,
		author_given_original, author_given_normalized, author_family_original, author_family_normalized,
		author_name_original, author_name_normalized, author_key,
		affiliation_sequence, affiliation_name_original, affiliation_name_normalized, affiliation_key,
		affiliation_ref, coordinate_flag, origin_shard, source_file, load_run_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	accepted := 0
	rejected := extra
	for i := range batch {
		p := &batch[i]
		r := &p.rec
		if r.LoadRunID == "" {
			r.LoadRunID = runID
		}
		if err := Validate(r); err != nil {
			rejected = append(rejected, errorRecord(runID, p, err))
			continue
		}
		Prepare(r)
		var affSeq any
		if r.AffiliationSequence != api.NoSequence {
			affSeq = r.AffiliationSequence
		}
		_, err := stmt.ExecContext(ctx,
			r.DocumentID, r.DocumentKey, r.AuthorSequence,
			r.AuthorGivenOriginal, r.AuthorGivenNormalized, r.AuthorFamilyOriginal, r.AuthorFamilyNormalized,
			r.AuthorNameOriginal, r.AuthorNameNormalized, r.AuthorKey,
			affSeq, r.AffiliationNameOriginal, r.AffiliationNameNormalized, r.AffiliationKey,
			r.AffiliationExternalRef, r.CoordinateFlag, r.OriginShard, r.SourceFile, r.LoadRunID,
		)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			rejected = append(rejected, errorRecord(runID, p, &RejectError{Reason: ReasonInsertFailed, Detail: err.Error()}))
			continue
		}
		accepted++
	}

	if len(rejected) > 0 {
		estmt, err := tx.PrepareContext(ctx, `INSERT INTO load_errors (run_id, row_number, reason, detail, raw) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, nil, err
		}
		defer func() { _ = estmt.Close() }() // safe to ignore
		for _, e := range rejected {
			if _, err := estmt.ExecContext(ctx, e.RunID, e.RowNumber, e.Reason, e.Detail, e.Raw); err != nil {
				return 0, nil, fmt.Errorf("record load error: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return accepted, rejected, nil
}

func errorRecord(runID string, p *pending, err error) api.ErrorRecord {
	e := api.ErrorRecord{RunID: runID, RowNumber: p.line, Raw: p.raw, Reason: ReasonMalformedRow, Detail: err.Error()}
	var rej *RejectError
	if errors.As(err, &rej) {
		e.Reason = rej.Reason
		e.Detail = rej.Detail
	}
	return e
}

// QueryBy returns every record whose column equals value, ordered by
// document, author sequence and affiliation sequence.
func (s *Store) QueryBy(ctx context.Context, column, value string) ([]api.StoreRecord, error) {
	if !queryable[column] {
		return nil, fmt.Errorf("column %q is not queryable", column)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?
		ORDER BY document_id, author_sequence, IFNULL(affiliation_sequence, -1), id`,
		recordColumns, TableAffiliations, column)
	rows, err := s.db.QueryContext(ctx, q, value)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []api.StoreRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (api.StoreRecord, error) {
	var (
		r      api.StoreRecord
		affSeq sql.NullInt64
		opt    [15]sql.NullString
	)
	err := rows.Scan(&r.RowID, &r.DocumentID, &r.DocumentKey, &r.AuthorSequence,
		&opt[0], &opt[1], &opt[2], &opt[3],
		&opt[4], &opt[5], &opt[6],
		&affSeq, &opt[7], &opt[8], &opt[9],
		&opt[10], &opt[11], &opt[12], &opt[13], &opt[14],
	)
	if err != nil {
		return r, fmt.Errorf("scan row: %w", err)
	}
	r.AuthorGivenOriginal = opt[0].String
	r.AuthorGivenNormalized = opt[1].String
	r.AuthorFamilyOriginal = opt[2].String
	r.AuthorFamilyNormalized = opt[3].String
	r.AuthorNameOriginal = opt[4].String
	r.AuthorNameNormalized = opt[5].String
	r.AuthorKey = opt[6].String
	r.AffiliationSequence = api.NoSequence
	if affSeq.Valid {
		r.AffiliationSequence = int(affSeq.Int64)
	}
	r.AffiliationNameOriginal = opt[7].String
	r.AffiliationNameNormalized = opt[8].String
	r.AffiliationKey = opt[9].String
	r.AffiliationExternalRef = opt[10].String
	r.CoordinateFlag = opt[11].String
	r.OriginShard = opt[12].String
	r.SourceFile = opt[13].String
	r.LoadRunID = opt[14].String
	return r, nil
}
