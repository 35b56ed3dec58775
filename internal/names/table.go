// Package names maps confirmed identity keys to display names.
//
// The table is a CSV file with a header row followed by "id,name" rows.
// Lookups go through a Store that swaps whole tables atomically, so a refresh
// never blocks the stream.
package names

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

var ErrMalformedRow = errors.New("names: malformed row")

// Table is an immutable id -> name mapping.
type Table struct {
	names map[int]string
}

func Empty() *Table { return &Table{names: map[int]string{}} }

// Parse reads a name table. The first record is a header and is skipped.
// Extra columns are ignored; a repeated id keeps the last name.
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	t := Empty()
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("names: %w", err)
		}
		line++
		if line == 1 {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: line %d: want id,name, got %d field(s)", ErrMalformedRow, line, len(rec))
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: id %q is not an integer", ErrMalformedRow, line, rec[0])
		}
		t.names[id] = strings.TrimSpace(rec[1])
	}
	return t, nil
}

func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("names: %w", err)
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func (t *Table) Name(id int) (string, bool) {
	if t == nil {
		return "", false
	}
	n, ok := t.names[id]
	return n, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Store holds the current table. The zero value is an empty store.
type Store struct {
	cur atomic.Pointer[Table]
}

func NewStore(t *Table) *Store {
	s := &Store{}
	s.Swap(t)
	return s
}

func (s *Store) Swap(t *Table) {
	if t == nil {
		t = Empty()
	}
	s.cur.Store(t)
}

func (s *Store) Table() *Table { return s.cur.Load() }

func (s *Store) Name(id int) (string, bool) { return s.cur.Load().Name(id) }

func (s *Store) Len() int { return s.cur.Load().Len() }
