package extract

import (
	"log/slog"
	"sort"
)

// Stats counts what one extraction run saw and emitted.
type Stats struct {
	FilesOK     int
	FilesFailed int
	Lines       int64
	Records     int64
	JSONErrors  int64
	FilteredOut int64
	MissingID   int64
	RowsEmitted int64

	RowsByField  map[string]int64
	RowsByGroup1 map[string]int64
	RowsByGroup2 map[string]int64
}

func newStats() *Stats {
	return &Stats{
		RowsByField:  make(map[string]int64),
		RowsByGroup1: make(map[string]int64),
		RowsByGroup2: make(map[string]int64),
	}
}

func (s *Stats) merge(o *Stats) {
	if o == nil {
		return
	}
	s.FilesOK += o.FilesOK
	s.FilesFailed += o.FilesFailed
	s.Lines += o.Lines
	s.Records += o.Records
	s.JSONErrors += o.JSONErrors
	s.FilteredOut += o.FilteredOut
	s.MissingID += o.MissingID
	s.RowsEmitted += o.RowsEmitted
	for k, v := range o.RowsByField {
		s.RowsByField[k] += v
	}
	for k, v := range o.RowsByGroup1 {
		s.RowsByGroup1[k] += v
	}
	for k, v := range o.RowsByGroup2 {
		s.RowsByGroup2[k] += v
	}
}

// Log writes the summary and the busiest fields and grouping keys.
func (s *Stats) Log(logger *slog.Logger) {
	logger.Info("extraction finished",
		"files_ok", s.FilesOK,
		"files_failed", s.FilesFailed,
		"lines", s.Lines,
		"records", s.Records,
		"json_errors", s.JSONErrors,
		"filtered_out", s.FilteredOut,
		"missing_id", s.MissingID,
		"rows", s.RowsEmitted,
	)
	for _, kv := range topN(s.RowsByField, len(s.RowsByField)) {
		logger.Info("rows by field", "field", kv.key, "rows", kv.n)
	}
	for _, kv := range topN(s.RowsByGroup1, 10) {
		logger.Debug("rows by grouping_key_1", "key", kv.key, "rows", kv.n)
	}
	for _, kv := range topN(s.RowsByGroup2, 10) {
		logger.Debug("rows by grouping_key_2", "key", kv.key, "rows", kv.n)
	}
}

type keyCount struct {
	key string
	n   int64
}

func topN(m map[string]int64, n int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, v := range m {
		out = append(out, keyCount{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
