package registry

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

// Record is one normalized registry row (a candidate company).
type Record struct {
	CompanyID    string
	LegalName    string
	EntityType   string
	Region       string
	PostalCode   string
	BusinessName string
}

// Field names a logical input column.
type Field string

const (
	FieldCompanyID    Field = "company_id"
	FieldLegalName    Field = "legal_name"
	FieldEntityType   Field = "entity_type"
	FieldRegion       Field = "region"
	FieldPostalCode   Field = "postal_code"
	FieldBusinessName Field = "business_name"
)

var requiredFields = []Field{FieldCompanyID, FieldLegalName, FieldEntityType, FieldRegion}

// Skip reasons reported in Stats.SkippedByReason.
const (
	ReasonMissingCompanyID  = "missing_company_id"
	ReasonMissingLegalName  = "missing_legal_name"
	ReasonMissingEntityType = "missing_entity_type"
	ReasonMissingRegion     = "missing_region"
	ReasonMalformedRow      = "malformed_row"
)

// DefaultColumns lists accepted header names per field, in preference order.
// The aliases cover the ABN bulk extract column names.
var DefaultColumns = map[Field][]string{
	FieldCompanyID:    {"company_id", "abn", "id"},
	FieldLegalName:    {"legal_name", "entity_name", "company_name", "name"},
	FieldEntityType:   {"entity_type", "entity_type_text", "entity_type_ind"},
	FieldRegion:       {"region", "state", "main_state"},
	FieldPostalCode:   {"postal_code", "postcode", "main_postcode"},
	FieldBusinessName: {"business_name", "trading_name"},
}

// ErrMissingField is wrapped by the per-row ingestion error handed to Options.OnSkip.
var ErrMissingField = errors.New("missing required field")

// Options configures a Reader.
type Options struct {
	// Columns overrides the header name used for a field. Unset fields fall back to DefaultColumns.
	Columns map[Field]string
	// Delimiter defaults to ','.
	Delimiter rune
	// Limit caps the number of yielded records (0 = no limit).
	Limit int
	// OnSkip, when set, is called for every skipped row with its 1-based data line and cause.
	OnSkip func(line int, reason string, err error)
}

// Stats counts rows seen by a Reader.
type Stats struct {
	Read            int
	Yielded         int
	Skipped         int
	SkippedByReason map[string]int
}

// Reader streams registry rows from CSV without materializing the input.
type Reader struct {
	cr     *csv.Reader
	closer io.Closer
	idx    map[Field]int
	opts   Options

	stats Stats
	err   error
	used  bool
}

// Open opens a registry file. Paths ending in ".gz" are decompressed on the fly.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var src io.Reader = f
	closer := io.Closer(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		src = zr
		closer = multiCloser{zr, f}
	}
	r, err := NewReader(src, opts)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	r.closer = closer
	return r, nil
}

// NewReader reads the header row and resolves the configured columns.
func NewReader(r io.Reader, opts Options) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	byName := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if _, dup := byName[name]; !dup {
			byName[name] = i
		}
	}

	idx := make(map[Field]int, len(DefaultColumns))
	for field, aliases := range DefaultColumns {
		if override := strings.TrimSpace(opts.Columns[field]); override != "" {
			aliases = []string{override}
		}
		for _, a := range aliases {
			if i, ok := byName[strings.ToLower(a)]; ok {
				idx[field] = i
				break
			}
		}
	}
	for _, f := range requiredFields {
		if _, ok := idx[f]; !ok {
			return nil, fmt.Errorf("missing required column %q", f)
		}
	}

	return &Reader{
		cr:    cr,
		idx:   idx,
		opts:  opts,
		stats: Stats{SkippedByReason: map[string]int{}},
	}, nil
}

// Records returns a single-use lazy sequence over the valid rows.
//
// Malformed rows are skipped and counted. A read error ends the sequence; check Err afterwards.
func (r *Reader) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		if r.used {
			r.err = errors.New("registry: Records called twice; reopen the source to re-read")
			return
		}
		r.used = true

		line := 0
		for {
			if r.opts.Limit > 0 && r.stats.Yielded >= r.opts.Limit {
				return
			}
			row, err := r.cr.Read()
			if err == io.EOF {
				return
			}
			line++
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					r.skip(line, ReasonMalformedRow, err)
					continue
				}
				r.err = fmt.Errorf("read row %d: %w", line, err)
				return
			}
			r.stats.Read++

			rec, reason := r.parse(row)
			if reason != "" {
				r.skip(line, reason, fmt.Errorf("%w: %s", ErrMissingField, strings.TrimPrefix(reason, "missing_")))
				continue
			}
			r.stats.Yielded++
			if !yield(rec) {
				return
			}
		}
	}
}

func (r *Reader) parse(row []string) (Record, string) {
	get := func(f Field) string {
		i, ok := r.idx[f]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec := Record{
		CompanyID:    get(FieldCompanyID),
		LegalName:    get(FieldLegalName),
		EntityType:   get(FieldEntityType),
		Region:       strings.ToUpper(get(FieldRegion)),
		PostalCode:   get(FieldPostalCode),
		BusinessName: get(FieldBusinessName),
	}
	switch {
	case rec.CompanyID == "":
		return Record{}, ReasonMissingCompanyID
	case rec.LegalName == "":
		return Record{}, ReasonMissingLegalName
	case rec.EntityType == "":
		return Record{}, ReasonMissingEntityType
	case rec.Region == "":
		return Record{}, ReasonMissingRegion
	}
	return rec, ""
}

func (r *Reader) skip(line int, reason string, err error) {
	r.stats.Skipped++
	r.stats.SkippedByReason[reason]++
	if r.opts.OnSkip != nil {
		r.opts.OnSkip(line, reason, err)
	}
}

// Stats returns a snapshot of the counters. Call it after (or between) iterations.
func (r *Reader) Stats() Stats {
	out := r.stats
	out.SkippedByReason = make(map[string]int, len(r.stats.SkippedByReason))
	for k, v := range r.stats.SkippedByReason {
		out.SkippedByReason[k] = v
	}
	return out
}

// Err returns the error that ended iteration early, if any.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the underlying file when the Reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
