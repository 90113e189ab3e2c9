// Package reader streams raw records out of stored artifact files.
//
// Line-delimited JSON and delimited text are supported, optionally gzip or
// zstd compressed. Compression is detected from the file's magic bytes.
package reader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/failure"
)

// MaxRecordBytes bounds a single line. Longer lines are reported as
// malformed and skipped.
const MaxRecordBytes = 8 << 20

// Record is one raw record before normalization.
type Record struct {
	Format string
	// Offset is the 1-based line (JSON) or data row (CSV) number.
	Offset int64
	// Raw holds the line for JSON formats.
	Raw []byte
	// Columns and Values hold the header and row for delimited formats.
	Columns []string
	Values  []string
}

// Stream yields records until io.EOF. Errors wrapping
// failure.ErrMalformedRecord concern a single record; the stream can continue.
// Any other error is fatal for the file.
type Stream interface {
	Next() (Record, error)
	Close() error
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Supported reports whether Open can read format.
func Supported(format string) bool {
	switch format {
	case event.FormatEVTXJSON, event.FormatNDJSON, event.FormatCSV, event.FormatTSV:
		return true
	}
	return false
}

// Open opens path on fsys and returns a stream for format.
func Open(fsys afero.Fs, path, format string) (Stream, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrUnreadableFile, err)
	}

	body, closeBody, err := decompress(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", failure.ErrUnreadableFile, path, err)
	}
	closer := func() error {
		closeBody()
		return f.Close()
	}

	switch format {
	case event.FormatEVTXJSON, event.FormatNDJSON:
		return &lineStream{format: format, r: body, close: closer}, nil
	case event.FormatCSV, event.FormatTSV:
		return newDelimited(format, body, closer)
	default:
		closer()
		return nil, fmt.Errorf("%w: unsupported source format %q", failure.ErrUnreadableFile, format)
	}
}

func decompress(f io.Reader) (*bufio.Reader, func(), error) {
	br := bufio.NewReaderSize(f, 64<<10)
	head, _ := br.Peek(4)

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return bufio.NewReaderSize(zr, 64<<10), func() { zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return bufio.NewReaderSize(zr, 64<<10), zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

type lineStream struct {
	format string
	r      *bufio.Reader
	line   int64
	close  func() error
}

func (s *lineStream) Next() (Record, error) {
	for {
		line, tooLong, err := readLine(s.r)
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("%w: line %d: %v", failure.ErrUnreadableFile, s.line+1, err)
		}
		s.line++

		if tooLong {
			return Record{}, failure.Malformed("line %d exceeds %d bytes", s.line, MaxRecordBytes)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return Record{Format: s.format, Offset: s.line, Raw: line}, nil
	}
}

func (s *lineStream) Close() error { return s.close() }

// readLine returns the next line without its terminator. Content past
// MaxRecordBytes is discarded and reported through tooLong.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > MaxRecordBytes {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, tooLong, err
		}
	}
}

type delimitedStream struct {
	format  string
	r       *csv.Reader
	columns []string
	row     int64
	close   func() error
}

func newDelimited(format string, body io.Reader, closer func() error) (Stream, error) {
	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false
	if format == event.FormatTSV {
		r.Comma = '\t'
	}

	header, err := r.Read()
	if err != nil {
		closer()
		return nil, fmt.Errorf("%w: missing header row: %v", failure.ErrUnreadableFile, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	return &delimitedStream{format: format, r: r, columns: header, close: closer}, nil
}

func (s *delimitedStream) Next() (Record, error) {
	values, err := s.r.Read()
	if errors.Is(err, io.EOF) {
		return Record{}, io.EOF
	}
	s.row++

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return Record{}, failure.Malformed("row %d: %v", s.row, parseErr)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: row %d: %v", failure.ErrUnreadableFile, s.row, err)
	}
	return Record{Format: s.format, Offset: s.row, Columns: s.columns, Values: values}, nil
}

func (s *delimitedStream) Close() error { return s.close() }
