// Package source supplies the ordered list of domains a run processes.
package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/seantiz/forge/internal/model"
)

// Source yields the domains for one run in input order. Domains may be called
// more than once and returns the same list each time.
type Source interface {
	Domains(ctx context.Context) ([]string, error)
}

// Slice is a Source backed by an in-memory list.
type Slice []string

// Domains returns a copy of the list.
func (s Slice) Domains(context.Context) ([]string, error) {
	return slices.Clone([]string(s)), nil
}

// Input is one domain together with the input row it was read from. Fields
// is nil for inputs that have no columns, such as newline lists.
type Input struct {
	Domain string
	Fields model.Fields
}

// Inputs is a Source over rows that were already read.
type Inputs []Input

// Domains returns the domain of each input in order.
func (in Inputs) Domains(context.Context) ([]string, error) {
	domains := make([]string, len(in))
	for i, x := range in {
		domains[i] = x.Domain
	}
	return domains, nil
}

// DomainColumns are the CSV header names recognised as the domain column,
// matched case-insensitively in this order.
var DomainColumns = []string{
	"domain",
	"website_domain",
	"company domain (website url)",
	"website",
}

// File reads domains from a file on disk. Files ending in .csv are parsed as
// CSV with a header row; anything else is a newline-separated list where blank
// lines and lines starting with # are skipped.
type File struct {
	Path string

	// Column names the CSV column holding domains. Empty auto-detects from
	// DomainColumns and falls back to the first column.
	Column string
}

// Domains reads and parses the file.
func (f File) Domains(ctx context.Context) ([]string, error) {
	in, err := f.Inputs(ctx)
	if err != nil {
		return nil, err
	}
	return in.Domains(ctx)
}

// Inputs reads the file keeping every column of each CSV row.
func (f File) Inputs(ctx context.Context) (Inputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer fh.Close()

	if strings.EqualFold(filepath.Ext(f.Path), ".csv") {
		return ParseCSVInputs(fh, f.Column)
	}
	domains, err := ParseLines(fh)
	if err != nil {
		return nil, err
	}
	in := make(Inputs, len(domains))
	for i, d := range domains {
		in[i] = Input{Domain: d}
	}
	return in, nil
}

// ParseLines parses a newline-separated domain list.
func ParseLines(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return domains, nil
}

// ParseCSV parses CSV with a header row and returns the values of the domain
// column. Rows with an empty domain cell are skipped.
func ParseCSV(r io.Reader, column string) ([]string, error) {
	in, err := ParseCSVInputs(r, column)
	if err != nil {
		return nil, err
	}
	return in.Domains(context.Background())
}

// ParseCSVInputs is ParseCSV keeping each row's cells as fields named by the
// header. Short rows are padded with empty values and cells beyond the
// header are dropped.
func ParseCSVInputs(r io.Reader, column string) (Inputs, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	idx, err := domainColumn(header, column)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var in Inputs
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if idx >= len(row) {
			continue
		}
		d := strings.TrimSpace(row[idx])
		if d == "" {
			continue
		}
		fields := make(model.Fields, len(names))
		for i, name := range names {
			fields[i].Name = name
			if i < len(row) {
				fields[i].Value = row[i]
			}
		}
		in = append(in, Input{Domain: d, Fields: fields})
	}
	return in, nil
}

func domainColumn(header []string, column string) (int, error) {
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}

	if column != "" {
		if i := slices.Index(normalized, strings.ToLower(column)); i >= 0 {
			return i, nil
		}
		return 0, fmt.Errorf("csv column %q not found in header %v", column, header)
	}

	for _, want := range DomainColumns {
		if i := slices.Index(normalized, want); i >= 0 {
			return i, nil
		}
	}
	return 0, nil
}
