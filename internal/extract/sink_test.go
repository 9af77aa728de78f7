package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "S123.csv", FileName("S123"))
	assert.Equal(t, "unknown.csv", FileName(""))
	assert.Equal(t, "unknown.csv", FileName(".."))
	assert.Equal(t, "a_b.csv", FileName("a/b"))
}

func TestOrganizedSinkBoundsOpenFiles(t *testing.T) {
	fs := memfs.New()
	var lines []string
	for i := 0; i < 40; i++ {
		source := fmt.Sprintf("https://openalex.org/S%d", i%7)
		if i%10 == 0 {
			source = ""
		}
		lines = append(lines, openalexRecord(fmt.Sprintf("W%d", i), source, fmt.Sprintf("10.1000/%d", i), "Ann", "Bo"))
	}
	writeShard(t, fs, "corpus/p0.gz", lines[:20]...)
	writeShard(t, fs, "corpus/p1.gz", lines[20:]...)

	e := newTestExtractor(t, func(o *Options) {
		o.BatchSize = 1
		o.Threads = 2
	})

	single, err := NewFileSink(fs, "single.csv")
	require.NoError(t, err)
	singleStats, err := e.Run(context.Background(), fs, "corpus", single)
	require.NoError(t, err)

	const maxOpen = 3
	org, err := NewOrganizedSink(fs, "by_source", maxOpen, nil)
	require.NoError(t, err)
	orgStats, err := e.Run(context.Background(), fs, "corpus", org)
	require.NoError(t, err)

	assert.LessOrEqual(t, org.PeakOpen(), maxOpen)
	assert.Equal(t, singleStats.RowsEmitted, orgStats.RowsEmitted)

	files := org.Files()
	assert.Len(t, files, 8, "seven sources plus unknown")
	assert.Contains(t, files, "unknown.csv")

	var total int
	for _, name := range files {
		data, err := util.ReadFile(fs, "by_source/"+name)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(string(data), strings.Join(flatrow.FlatHeader, ",")), name)
		rows := readRows(t, fs, "by_source/"+name)
		for _, r := range rows {
			assert.Equal(t, name, FileName(r.GroupingKey1))
		}
		total += len(rows)
		_, err = fs.Stat("by_source/" + name + flatrow.PartialSuffix)
		assert.Error(t, err)
	}
	assert.Equal(t, len(readRows(t, fs, "single.csv")), total)
}

func TestOrganizedSinkReopensInAppendMode(t *testing.T) {
	fs := memfs.New()
	s, err := NewOrganizedSink(fs, "out", 1, nil)
	require.NoError(t, err)

	batches := [][]api.FlatFieldRow{
		{{DocumentID: "D1", FieldName: "f", IndexedPath: "f", Value: "1", GroupingKey1: "A"}},
		{{DocumentID: "D2", FieldName: "f", IndexedPath: "f", Value: "2", GroupingKey1: "B"}},
		{{DocumentID: "D3", FieldName: "f", IndexedPath: "f", Value: "3", GroupingKey1: "A"}},
	}
	for _, b := range batches {
		require.NoError(t, s.WriteBatch(b))
	}
	require.NoError(t, s.Commit())
	assert.Equal(t, 1, s.PeakOpen())

	rows := readRows(t, fs, "out/A.csv")
	require.Len(t, rows, 2)
	assert.Equal(t, "D1", rows[0].DocumentID)
	assert.Equal(t, "D3", rows[1].DocumentID)
}

func TestNewOrganizedSinkRejectsZeroBound(t *testing.T) {
	_, err := NewOrganizedSink(memfs.New(), "out", 0, nil)
	assert.Error(t, err)
}
