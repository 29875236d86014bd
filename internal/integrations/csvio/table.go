// Package csvio reads model inputs from and writes trip tables to CSV files.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("csvio: missing column")

// row is one data record addressed by header name.
type row struct {
	line   int
	header map[string]int
	fields []string
}

func (r row) has(col string) bool {
	i, ok := r.header[strings.ToLower(col)]
	return ok && i < len(r.fields) && strings.TrimSpace(r.fields[i]) != ""
}

func (r row) str(col string) (string, error) {
	i, ok := r.header[strings.ToLower(col)]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrMissingColumn, col)
	}
	if i >= len(r.fields) {
		return "", nil
	}
	return strings.TrimSpace(r.fields[i]), nil
}

func (r row) float(col string) (float64, error) {
	s, err := r.str(col)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d column %s: %w", r.line, col, err)
	}
	return v, nil
}

func (r row) int(col string) (int, error) {
	v, err := r.float(col)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// readTable calls fn for every record of a headed CSV stream. Header names
// are matched case-insensitively.
func readTable(src io.Reader, fn func(row) error) error {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("csvio: empty file")
		}
		return err
	}
	header := make(map[string]int, len(head))
	for i, h := range head {
		header[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if err := fn(row{line: line, header: header, fields: rec}); err != nil {
			return err
		}
	}
}

func readFile(path string, fn func(row) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := readTable(f, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
