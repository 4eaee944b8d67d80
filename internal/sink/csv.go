package sink

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/seantiz/forge/internal/model"
)

// baseColumns sit between the input columns and the payload fields, which
// follow in sorted order.
var baseColumns = []string{"position", "domain", "status", "failure_kind", "failure_cause"}

// payloadColumn holds payloads that are not JSON objects.
const payloadColumn = "payload"

// Prefixes applied to input columns and payload keys whose names are already
// taken by an earlier column group.
const (
	inputPrefix   = "input."
	payloadPrefix = "payload."
)

// CSV writes one record per row: the input row's columns, the base columns,
// then one column per top-level payload key.
type CSV struct{}

func (CSV) ContentType() string { return "text/csv" }

func (CSV) Encode(w io.Writer, rows []model.Row) error {
	var inputs []string
	seenInput := map[string]bool{}
	fields := make([]map[string]json.RawMessage, len(rows))
	keys := map[string]struct{}{}
	raw := false
	for i, r := range rows {
		for _, f := range r.Input {
			if !seenInput[f.Name] {
				seenInput[f.Name] = true
				inputs = append(inputs, f.Name)
			}
		}
		if len(r.Payload) == 0 {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r.Payload, &obj); err != nil || obj == nil {
			raw = true
			continue
		}
		fields[i] = obj
		for k := range obj {
			keys[k] = struct{}{}
		}
	}

	extra := make([]string, 0, len(keys)+1)
	for k := range keys {
		extra = append(extra, k)
	}
	slices.Sort(extra)
	if raw && !slices.Contains(extra, payloadColumn) {
		extra = append(extra, payloadColumn)
	}

	header := make([]string, 0, len(inputs)+len(baseColumns)+len(extra))
	for _, name := range inputs {
		if slices.Contains(baseColumns, name) {
			name = inputPrefix + name
		}
		header = append(header, name)
	}
	header = append(header, baseColumns...)
	for _, k := range extra {
		if slices.Contains(baseColumns, k) || seenInput[k] {
			k = payloadPrefix + k
		}
		header = append(header, k)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, r := range rows {
		rec := make([]string, 0, len(header))
		for _, name := range inputs {
			v, _ := r.Input.Get(name)
			rec = append(rec, v)
		}
		rec = append(rec, strconv.Itoa(r.Position), r.Domain, r.Status, r.FailureKind, r.FailureCause)
		for _, k := range extra {
			switch {
			case fields[i] != nil:
				rec = append(rec, cellValue(fields[i][k]))
			case k == payloadColumn:
				rec = append(rec, string(r.Payload))
			default:
				rec = append(rec, "")
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row %d: %w", r.Position, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// cellValue renders JSON strings unquoted, null as empty and anything else as
// compact JSON.
func cellValue(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// Decode reads rows written by Encode. Columns named in input, and any
// column carrying the input prefix, are read back as input fields; every
// other column outside the base set becomes a payload key. Empty cells are
// dropped from the payload and a cell that does not parse as a JSON number,
// boolean, array or object is restored as a string.
func (CSV) Decode(r io.Reader, input []string) ([]model.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	type column struct {
		base    int
		input   string
		payload string
	}
	cols := make([]column, len(header))
	found := make([]bool, len(baseColumns))
	for i, h := range header {
		cols[i].base = -1
		switch {
		case strings.HasPrefix(h, inputPrefix) && slices.Contains(baseColumns, strings.TrimPrefix(h, inputPrefix)):
			cols[i].input = strings.TrimPrefix(h, inputPrefix)
		case slices.Contains(baseColumns, h):
			cols[i].base = slices.Index(baseColumns, h)
			found[cols[i].base] = true
		case slices.Contains(input, h):
			cols[i].input = h
		default:
			cols[i].payload = strings.TrimPrefix(h, payloadPrefix)
		}
	}
	for i, ok := range found[:3] {
		if !ok {
			return nil, fmt.Errorf("csv header has no %q column", baseColumns[i])
		}
	}

	var rows []model.Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		var row model.Row
		payload := map[string]json.RawMessage{}
		for i, cell := range rec {
			if i >= len(cols) {
				break
			}
			c := cols[i]
			switch {
			case c.base >= 0:
				if err := setBase(&row, c.base, cell); err != nil {
					return nil, fmt.Errorf("csv line %d: %w", line, err)
				}
			case c.input != "":
				row.Input = append(row.Input, model.Field{Name: c.input, Value: cell})
			case cell != "":
				payload[c.payload] = cellJSON(cell)
			}
		}
		if len(payload) > 0 {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: %w", line, err)
			}
			row.Payload = b
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func setBase(row *model.Row, idx int, cell string) error {
	switch baseColumns[idx] {
	case "position":
		p, err := strconv.Atoi(cell)
		if err != nil {
			return fmt.Errorf("position %q: %w", cell, err)
		}
		row.Position = p
	case "domain":
		row.Domain = cell
	case "status":
		row.Status = cell
	case "failure_kind":
		row.FailureKind = cell
	case "failure_cause":
		row.FailureCause = cell
	}
	return nil
}

// cellJSON reverses cellValue.
func cellJSON(cell string) json.RawMessage {
	if json.Valid([]byte(cell)) && !strings.HasPrefix(strings.TrimSpace(cell), `"`) && strings.TrimSpace(cell) != "null" {
		return json.RawMessage(cell)
	}
	b, _ := json.Marshal(cell)
	return b
}
