// Package sink writes aggregated rows to their destination.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/forge/internal/model"
)

// Sink receives the ordered rows of a finished run.
type Sink interface {
	Write(ctx context.Context, run *model.Run, rows []model.Row) error
	String() string
}

// Encoder serialises rows onto w.
type Encoder interface {
	Encode(w io.Writer, rows []model.Row) error
	ContentType() string
}

// Decoder reads rows back from a stream an Encoder wrote. input names the
// columns that came from the input file.
type Decoder interface {
	Decode(r io.Reader, input []string) ([]model.Row, error)
}

// Writer encodes rows onto an already open stream such as stdout.
type Writer struct {
	W       io.Writer
	Encoder Encoder
	Name    string
}

func (s *Writer) Write(_ context.Context, _ *model.Run, rows []model.Row) error {
	return s.Encoder.Encode(s.W, rows)
}

func (s *Writer) String() string { return s.Name }

// File encodes rows into a local file. The file is written next to its final
// path and renamed into place so readers never see a partial file.
type File struct {
	Path    string
	Encoder Encoder
}

func (s *File) Write(_ context.Context, _ *model.Run, rows []model.Row) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.Encoder.Encode(tmp, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

func (s *File) String() string { return s.Path }

// EncoderFor picks an encoder from a path's extension. Anything other than
// .jsonl, .ndjson or .json is written as CSV.
func EncoderFor(path string) Encoder {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return JSONL{}
	default:
		return CSV{}
	}
}

// ReadFile decodes an output file written earlier, picking the format the
// same way EncoderFor does. A missing file yields no rows.
func ReadFile(path string, input []string) ([]model.Row, error) {
	fh, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open previous output: %w", err)
	}
	defer fh.Close()

	dec, ok := EncoderFor(path).(Decoder)
	if !ok {
		return nil, fmt.Errorf("no decoder for %s", path)
	}
	rows, err := dec.Decode(fh, input)
	if err != nil {
		return nil, fmt.Errorf("read previous output %s: %w", path, err)
	}
	return rows, nil
}

// ForPath returns the sink for an output location: "-" is stdout,
// "s3://bucket/key" uploads through the object store and anything else is a
// local file. cfg is only consulted for s3 locations.
func ForPath(path string, cfg ObjectStoreConfig) (Sink, error) {
	switch {
	case path == "" || path == "-":
		return &Writer{W: os.Stdout, Encoder: CSV{}, Name: "stdout"}, nil
	case strings.HasPrefix(path, "s3://"):
		bucket, key, err := parseS3URL(path)
		if err != nil {
			return nil, err
		}
		cfg.Bucket = bucket
		return NewObjectStore(cfg, key, EncoderFor(key))
	default:
		return &File{Path: path, Encoder: EncoderFor(path)}, nil
	}
}

func parseS3URL(u string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(u, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("invalid object location %q: want s3://bucket/key", u)
	}
	return bucket, key, nil
}
