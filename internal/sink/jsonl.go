package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/forge/internal/model"
)

// JSONL writes one JSON object per row.
type JSONL struct{}

func (JSONL) ContentType() string { return "application/x-ndjson" }

func (JSONL) Encode(w io.Writer, rows []model.Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode row %d: %w", r.Position, err)
		}
	}
	return nil
}

// Decode reads rows written by Encode. Input fields are carried in each
// object, so input is unused.
func (JSONL) Decode(r io.Reader, _ []string) ([]model.Row, error) {
	dec := json.NewDecoder(r)
	var rows []model.Row
	for {
		var row model.Row
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
}
