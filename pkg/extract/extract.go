// Package extract reads raw source files (delimited dumps, compressed
// archives, joined multi-table exports, and packed statistical binaries)
// into a uniform stream of Record values for downstream validation and
// enrichment.
package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
)

// Record is one raw row, keyed by source column name, plus the line/row
// number it came from for error attribution.
type Record struct {
	Source string
	Row    int64
	Fields map[string]string
}

// Extractor streams Records from a source file. Next returns
// (nil, io.EOF) when exhausted. Implementations must be safe to call
// Next from a single goroutine only; callers fan out across files, not
// within one.
type Extractor interface {
	Next(ctx context.Context) (*Record, error)
	Close() error
}

// Kind enumerates the source file shapes this pipeline extracts from.
type Kind string

const (
	KindDelimited      Kind = "delimited"
	KindCompressedDump Kind = "compressed_dump"
	KindMultiTableJoin Kind = "multi_table_join"
	KindStatBinary     Kind = "stat_binary"
)

// Open builds the Extractor matching kind, opening path (and, for
// multi_table_join, the files joinPaths names).
func Open(kind Kind, sourceName, path string, delimiter rune, hasHeader bool, joinPaths map[string]string, joinKey string) (Extractor, error) {
	switch kind {
	case KindDelimited:
		return NewDelimitedExtractor(sourceName, path, delimiter, hasHeader)
	case KindCompressedDump:
		return NewCompressedDumpExtractor(sourceName, path)
	case KindMultiTableJoin:
		return NewMultiTableJoinExtractor(sourceName, path, joinPaths, joinKey, delimiter, hasHeader)
	case KindStatBinary:
		return NewStatBinaryExtractor(sourceName, path)
	default:
		return nil, pipelineerr.ErrConfig(fmt.Sprintf("unknown source kind %q", kind), nil)
	}
}

// DelimitedExtractor reads a CSV/TSV/pipe-delimited file row by row.
type DelimitedExtractor struct {
	sourceName string
	file       *os.File
	reader     *csv.Reader
	header     []string
	row        int64
}

// NewDelimitedExtractor opens path and, if hasHeader, consumes the header
// row to establish field names.
func NewDelimitedExtractor(sourceName, path string, delimiter rune, hasHeader bool) (*DelimitedExtractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipelineerr.ErrSourceUnavailable(sourceName, err)
	}

	r := csv.NewReader(f)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	e := &DelimitedExtractor{sourceName: sourceName, file: f, reader: r}
	if hasHeader {
		header, err := r.Read()
		if err != nil {
			f.Close()
			return nil, pipelineerr.ErrSchemaMismatch(sourceName, "header row", err.Error())
		}
		e.header = header
		e.row = 1
	}
	return e, nil
}

// Next returns the next row, or io.EOF when the file is exhausted.
func (e *DelimitedExtractor) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipelineerr.ErrCancelled("extraction")
	}

	raw, err := e.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, pipelineerr.ErrRowDecode(e.sourceName, int(e.row), err)
	}
	e.row++

	fields := make(map[string]string, len(raw))
	if e.header != nil {
		for i, v := range raw {
			if i < len(e.header) {
				fields[e.header[i]] = v
			}
		}
	} else {
		for i, v := range raw {
			fields[fmt.Sprintf("col_%d", i)] = v
		}
	}
	return &Record{Source: e.sourceName, Row: e.row - 1, Fields: fields}, nil
}

// Close releases the underlying file handle.
func (e *DelimitedExtractor) Close() error {
	return e.file.Close()
}

// CompressedDumpExtractor decompresses a zstd-compressed delimited dump on
// the fly, without ever materializing the whole file in memory.
type CompressedDumpExtractor struct {
	sourceName string
	file       *os.File
	decoder    *zstd.Decoder
	reader     *csv.Reader
	header     []string
	row        int64
}

// NewCompressedDumpExtractor opens a zstd-compressed CSV dump, always
// reading it as comma-delimited with a header row; the constructor takes
// no option to change either.
func NewCompressedDumpExtractor(sourceName, path string) (*CompressedDumpExtractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipelineerr.ErrSourceUnavailable(sourceName, err)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, pipelineerr.ErrSourceUnavailable(sourceName, err)
	}

	r := csv.NewReader(dec)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		dec.Close()
		f.Close()
		return nil, pipelineerr.ErrSchemaMismatch(sourceName, "header row", err.Error())
	}

	return &CompressedDumpExtractor{
		sourceName: sourceName,
		file:       f,
		decoder:    dec,
		reader:     r,
		header:     header,
		row:        1,
	}, nil
}

// Next returns the next decompressed row, or io.EOF when exhausted.
func (e *CompressedDumpExtractor) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipelineerr.ErrCancelled("extraction")
	}

	raw, err := e.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, pipelineerr.ErrRowDecode(e.sourceName, int(e.row), err)
	}
	e.row++

	fields := make(map[string]string, len(raw))
	for i, v := range raw {
		if i < len(e.header) {
			fields[e.header[i]] = v
		}
	}
	return &Record{Source: e.sourceName, Row: e.row - 1, Fields: fields}, nil
}

// Close releases the zstd decoder and file handle.
func (e *CompressedDumpExtractor) Close() error {
	e.decoder.Close()
	return e.file.Close()
}

// MultiTableJoinExtractor streams a primary delimited file and left-joins
// in rows from secondary files on joinKey, for sources shipped as
// normalized table exports (e.g. a patent table plus a separate
// assignee table).
type MultiTableJoinExtractor struct {
	primary   *DelimitedExtractor
	joinKey   string
	sideTable map[string]map[string]string // joinKey value -> prefixed side fields
}

// NewMultiTableJoinExtractor loads joinPaths fully into memory (side
// tables are assumed small relative to the primary stream) and joins
// each primary row against them by joinKey.
func NewMultiTableJoinExtractor(sourceName, primaryPath string, joinPaths map[string]string, joinKey string, delimiter rune, hasHeader bool) (*MultiTableJoinExtractor, error) {
	primary, err := NewDelimitedExtractor(sourceName, primaryPath, delimiter, hasHeader)
	if err != nil {
		return nil, err
	}

	sideTable := make(map[string]map[string]string)
	for alias, path := range joinPaths {
		side, err := NewDelimitedExtractor(alias, path, delimiter, hasHeader)
		if err != nil {
			primary.Close()
			return nil, err
		}
		for {
			rec, err := side.Next(context.Background())
			if err == io.EOF {
				break
			}
			if err != nil {
				side.Close()
				primary.Close()
				return nil, err
			}
			key, ok := rec.Fields[joinKey]
			if !ok {
				continue
			}
			if sideTable[key] == nil {
				sideTable[key] = make(map[string]string)
			}
			for k, v := range rec.Fields {
				sideTable[key][alias+"."+k] = v
			}
		}
		side.Close()
	}

	return &MultiTableJoinExtractor{primary: primary, joinKey: joinKey, sideTable: sideTable}, nil
}

// Next returns the next primary row merged with any matching side-table fields.
func (e *MultiTableJoinExtractor) Next(ctx context.Context) (*Record, error) {
	rec, err := e.primary.Next(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := rec.Fields[e.joinKey]
	if ok {
		if side, found := e.sideTable[key]; found {
			for k, v := range side {
				rec.Fields[k] = v
			}
		}
	}
	return rec, nil
}

// Close releases the primary extractor's file handle.
func (e *MultiTableJoinExtractor) Close() error {
	return e.primary.Close()
}

// StatBinaryExtractor reads a packed statistical binary (SAS xport-style,
// fixed-width-with-footer) by tokenizing on NUL-padded fixed-width
// fields described in a companion ".layout" sidecar file:
// "name:offset:length" lines.
type StatBinaryExtractor struct {
	sourceName string
	file       *os.File
	fields     []layoutField
	recordLen  int
	row        int64
}

type layoutField struct {
	name   string
	offset int
	length int
}

// NewStatBinaryExtractor opens path and its "<path>.layout" sidecar.
func NewStatBinaryExtractor(sourceName, path string) (*StatBinaryExtractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipelineerr.ErrSourceUnavailable(sourceName, err)
	}

	layoutBytes, err := os.ReadFile(path + ".layout")
	if err != nil {
		f.Close()
		return nil, pipelineerr.ErrSchemaMismatch(sourceName, "layout sidecar", err.Error())
	}

	fields, recordLen, err := parseLayout(string(layoutBytes))
	if err != nil {
		f.Close()
		return nil, pipelineerr.ErrSchemaMismatch(sourceName, "valid layout", err.Error())
	}

	return &StatBinaryExtractor{sourceName: sourceName, file: f, fields: fields, recordLen: recordLen}, nil
}

func parseLayout(raw string) ([]layoutField, int, error) {
	var fields []layoutField
	maxEnd := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			return nil, 0, fmt.Errorf("malformed layout line %q", line)
		}
		var offset, length int
		if _, err := fmt.Sscanf(parts[1], "%d", &offset); err != nil {
			return nil, 0, fmt.Errorf("malformed offset in %q: %w", line, err)
		}
		if _, err := fmt.Sscanf(parts[2], "%d", &length); err != nil {
			return nil, 0, fmt.Errorf("malformed length in %q: %w", line, err)
		}
		fields = append(fields, layoutField{name: parts[0], offset: offset, length: length})
		if offset+length > maxEnd {
			maxEnd = offset + length
		}
	}
	if len(fields) == 0 {
		return nil, 0, fmt.Errorf("empty layout")
	}
	return fields, maxEnd, nil
}

// Next reads the next fixed-width record, or io.EOF at end of file.
func (e *StatBinaryExtractor) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipelineerr.ErrCancelled("extraction")
	}

	buf := make([]byte, e.recordLen)
	n, err := io.ReadFull(e.file, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, pipelineerr.ErrRowDecode(e.sourceName, int(e.row), err)
	}
	if n < e.recordLen {
		return nil, io.EOF
	}
	e.row++

	fields := make(map[string]string, len(e.fields))
	for _, lf := range e.fields {
		if lf.offset+lf.length > len(buf) {
			continue
		}
		raw := buf[lf.offset : lf.offset+lf.length]
		fields[lf.name] = strings.TrimRight(strings.TrimSpace(string(raw)), "\x00")
	}
	return &Record{Source: e.sourceName, Row: e.row, Fields: fields}, nil
}

// Close releases the file handle.
func (e *StatBinaryExtractor) Close() error {
	return e.file.Close()
}
