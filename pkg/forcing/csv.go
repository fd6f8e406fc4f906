package forcing

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// Table is a parsed per-catchment forcing table. Row i covers
// [Times[i], Times[i+1]); the last row repeats the previous spacing.
type Table struct {
	Times   []time.Time
	columns map[string][]float64
	units   map[string]string
}

// ParseCSV reads a table whose first column is time and whose other headers
// are "name" or "name [unit]".
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("forcing table needs a time column and at least one variable")
	}

	t := &Table{columns: make(map[string][]float64), units: make(map[string]string)}
	names := make([]string, len(header)-1)
	for i, h := range header[1:] {
		name, unit := splitHeader(h)
		names[i] = name
		t.units[name] = unit
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := parseTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(t.Times); n > 0 && !ts.After(t.Times[n-1]) {
			return nil, fmt.Errorf("line %d: time %s is not after the previous row", line, rec[0])
		}
		t.Times = append(t.Times, ts)
		for i, name := range names {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, name, err)
			}
			t.columns[name] = append(t.columns[name], v)
		}
	}
	if len(t.Times) == 0 {
		return nil, fmt.Errorf("forcing table has no rows")
	}
	return t, nil
}

func splitHeader(h string) (string, string) {
	h = strings.TrimSpace(h)
	if i := strings.IndexByte(h, '['); i > 0 && strings.HasSuffix(h, "]") {
		return strings.TrimSpace(h[:i]), strings.TrimSpace(h[i+1 : len(h)-1])
	}
	return h, ""
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Variables implements Provider.
func (t *Table) Variables() []string {
	out := make([]string, 0, len(t.columns))
	for k := range t.columns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Unit implements Provider.
func (t *Table) Unit(variable string) (string, bool) {
	u, ok := t.units[variable]
	return u, ok
}

func (t *Table) rowEnd(i int) time.Time {
	if i+1 < len(t.Times) {
		return t.Times[i+1]
	}
	if i > 0 {
		return t.Times[i].Add(t.Times[i].Sub(t.Times[i-1]))
	}
	return t.Times[i].Add(time.Hour)
}

// GetValue returns the overlap-weighted mean of variable over sel.
func (t *Table) GetValue(_ context.Context, variable string, sel Selector) ([]float64, error) {
	col, ok := t.columns[variable]
	if !ok {
		return nil, okerrors.Newf(okerrors.UnknownVariable, "no forcing variable %q", variable).WithNode(variable)
	}
	if !sel.End.After(sel.Start) {
		return nil, okerrors.Newf(okerrors.TimeStepError, "empty forcing range %s..%s", sel.Start, sel.End)
	}

	first := sort.Search(len(t.Times), func(i int) bool { return t.rowEnd(i).After(sel.Start) })
	var sum, weight float64
	for i := first; i < len(t.Times) && t.Times[i].Before(sel.End); i++ {
		lo, hi := t.Times[i], t.rowEnd(i)
		if lo.Before(sel.Start) {
			lo = sel.Start
		}
		if hi.After(sel.End) {
			hi = sel.End
		}
		w := hi.Sub(lo).Seconds()
		sum += col[i] * w
		weight += w
	}
	if weight == 0 {
		return nil, okerrors.Newf(okerrors.UnsatisfiedInput, "no %q forcing between %s and %s", variable, sel.Start, sel.End).WithNode(variable)
	}
	return []float64{sum / weight}, nil
}

// Source opens the raw forcing table of a catchment.
type Source interface {
	Open(ctx context.Context, catchmentID string) (io.ReadCloser, error)
}

// FileSource reads tables from disk. Pattern contains "{id}" which is
// replaced by the catchment id.
type FileSource struct {
	Pattern string
}

// Open implements Source.
func (s FileSource) Open(_ context.Context, catchmentID string) (io.ReadCloser, error) {
	return os.Open(strings.ReplaceAll(s.Pattern, "{id}", catchmentID))
}

// Downloader fetches a blob by path.
type Downloader interface {
	Download(ctx context.Context, blobPath string) ([]byte, error)
}

// BlobSource reads tables from object storage. Pattern works as in FileSource.
type BlobSource struct {
	Client  Downloader
	Pattern string
}

// Open implements Source.
func (s BlobSource) Open(ctx context.Context, catchmentID string) (io.ReadCloser, error) {
	data, err := s.Client.Download(ctx, strings.ReplaceAll(s.Pattern, "{id}", catchmentID))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// CSVFactory parses one CSV table per catchment from Source.
type CSVFactory struct {
	Source Source
}

// ProviderFor implements Factory.
func (f CSVFactory) ProviderFor(ctx context.Context, catchmentID string) (Provider, error) {
	rc, err := f.Source.Open(ctx, catchmentID)
	if err != nil {
		return nil, fmt.Errorf("opening forcing for %s: %w", catchmentID, err)
	}
	defer rc.Close()
	t, err := ParseCSV(rc)
	if err != nil {
		return nil, fmt.Errorf("parsing forcing for %s: %w", catchmentID, err)
	}
	return t, nil
}
