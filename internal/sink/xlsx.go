package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/sysiphe/contactfinder/internal/discover"
)

const xlsxSheet = "Contacts"

// XLSX streams contacts into a workbook. The workbook is written out on Close.
type XLSX struct {
	f    *excelize.File
	sw   *excelize.StreamWriter
	out  io.Writer
	file *os.File
	row  int
	// replace is renamed over by file on Close.
	replace string
}

// NewXLSX buffers a workbook that is written to w on Close.
func NewXLSX(w io.Writer) (*XLSX, error) {
	f := excelize.NewFile()
	if _, err := f.NewSheet(xlsxSheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		_ = f.Close()
		return nil, err
	}
	idx, err := f.GetSheetIndex(xlsxSheet)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	f.SetActiveSheet(idx)

	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	// Column widths must be set before the first row.
	widths := []float64{14, 40, 36, 18, 48, 22}
	for i, w := range widths {
		if err := sw.SetColWidth(i+1, i+1, w); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	s := &XLSX{f: f, sw: sw, out: w, row: 1}
	if err := s.write(Header()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// CreateXLSX writes the workbook to path on Close.
func CreateXLSX(path string) (*XLSX, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s, err := NewXLSX(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	s.file = file
	return s, nil
}

// AppendXLSX rewrites the workbook at path with its existing contact rows followed by the
// new ones. The result replaces path atomically on Close.
func AppendXLSX(path string) (*XLSX, error) {
	prior, err := readXLSXRows(path)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".contacts-*.xlsx")
	if err != nil {
		return nil, err
	}
	_ = tmp.Chmod(0o644)
	fail := func(err error) (*XLSX, error) {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	s, err := NewXLSX(tmp)
	if err != nil {
		return fail(err)
	}
	for _, r := range prior {
		if err := s.write(r); err != nil {
			_ = s.f.Close()
			return fail(err)
		}
	}
	s.file, s.replace = tmp, path
	return s, nil
}

// readXLSXRows returns the data rows of an existing contacts workbook, nil when path is missing.
func readXLSXRows(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open xlsx %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(xlsxSheet)
	if err != nil {
		return nil, fmt.Errorf("read xlsx %s: %w", path, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

func (s *XLSX) write(values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := s.sw.SetRow(cell, cells); err != nil {
		return err
	}
	s.row++
	return nil
}

func (s *XLSX) Emit(_ context.Context, c discover.Contact) error {
	return s.write(row(c))
}

func (s *XLSX) Close() error {
	defer func() { _ = s.f.Close() }()
	if err := s.sw.Flush(); err != nil {
		return fmt.Errorf("xlsx flush: %w", err)
	}
	if _, err := s.f.WriteTo(s.out); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	if s.file == nil {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	if s.replace != "" {
		return os.Rename(s.file.Name(), s.replace)
	}
	return nil
}
