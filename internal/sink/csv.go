package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/sysiphe/contactfinder/internal/discover"
)

// CSV writes contacts as CSV rows with the Header() columns.
type CSV struct {
	cw     *csv.Writer
	closer io.Closer
	rows   int
}

// NewCSV writes the header immediately. Rows are flushed on every Emit so a crash loses at most
// the row being written.
func NewCSV(w io.Writer) (*CSV, error) {
	return newCSV(w, true)
}

func newCSV(w io.Writer, header bool) (*CSV, error) {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Header()); err != nil {
			return nil, err
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, err
		}
	}
	return &CSV{cw: cw}, nil
}

// CreateCSV creates (truncates) path and writes contacts to it.
func CreateCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s, err := NewCSV(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	s.closer = f
	return s, nil
}

// AppendCSV appends contacts to path, creating it (with a header) when it is missing or empty.
// Contacts delivered by earlier runs are kept.
func AppendCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s, err := newCSV(f, st.Size() == 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	s.closer = f
	return s, nil
}

func (s *CSV) Emit(_ context.Context, c discover.Contact) error {
	if err := s.cw.Write(row(c)); err != nil {
		return err
	}
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		return err
	}
	s.rows++
	return nil
}

// Rows reports how many contacts were written.
func (s *CSV) Rows() int { return s.rows }

func (s *CSV) Close() error {
	s.cw.Flush()
	err := s.cw.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
