// Package corpus loads the payload corpus replayed by virtual users.
//
// A corpus is read once at startup and shared read-only by every virtual
// user for the lifetime of the run. Nothing in this package mutates a
// Corpus after Load returns, so concurrent reads need no synchronization.
//
// In the line-delimited format a blank or whitespace-only line is not a
// payload: an empty body can never be a JSON document, so a fixture of N
// lines yields N payloads only when none of them is blank.
package corpus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

var (
	// ErrSourceUnreadable is returned when the fixture cannot be opened, read or decoded.
	ErrSourceUnreadable = errors.New("source unreadable")

	// ErrSourceEmpty is returned when the fixture yields zero payloads.
	ErrSourceEmpty = errors.New("source empty")
)

// Format identifies how payloads are laid out in the fixture.
type Format string

const (
	// FormatLineDelimited treats every non-blank line as one pre-serialized body.
	FormatLineDelimited Format = "line-delimited"

	// FormatJSONArray treats the fixture as one JSON array; each element is a body.
	FormatJSONArray Format = "json-array"
)

// ParseFormat converts a configuration value into a Format.
// The empty string selects FormatLineDelimited.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatLineDelimited:
		return FormatLineDelimited, nil
	case FormatJSONArray:
		return FormatJSONArray, nil
	default:
		return "", fmt.Errorf("unknown payload format %q (expected %s or %s)", s, FormatLineDelimited, FormatJSONArray)
	}
}

// Options controls how a fixture is read.
type Options struct {
	Format Format
}

// SourceError describes a fixture that could not be turned into a corpus.
type SourceError struct {
	Path  string
	Kind  error // ErrSourceUnreadable or ErrSourceEmpty
	Cause error
}

func (e *SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fixture %q: %v: %v", e.Path, e.Kind, e.Cause)
	}
	return fmt.Sprintf("fixture %q: %v", e.Path, e.Kind)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *SourceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Payload is one request body, identified by its position in the corpus.
type Payload struct {
	Index int
	Body  []byte
}

// Corpus is an ordered, immutable sequence of payloads.
type Corpus struct {
	source   string
	format   Format
	payloads [][]byte
	size     int64
}

// New builds a corpus from in-memory bodies. The slices are copied.
func New(bodies ...[]byte) *Corpus {
	c := &Corpus{source: "memory", format: FormatLineDelimited}
	for _, b := range bodies {
		c.add(b)
	}
	return c
}

// Load reads the fixture at path and splits it into payloads.
//
// Files ending in .gz or .zst are decompressed transparently.
func Load(path string, opts Options) (*Corpus, error) {
	format := opts.Format
	if format == "" {
		format = FormatLineDelimited
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceError{Path: path, Kind: ErrSourceUnreadable, Cause: err}
	}
	defer f.Close()

	r, err := decompress(path, f)
	if err != nil {
		return nil, &SourceError{Path: path, Kind: ErrSourceUnreadable, Cause: err}
	}
	defer r.Close()

	c := &Corpus{source: path, format: format}

	switch format {
	case FormatLineDelimited:
		err = c.readLines(r)
	case FormatJSONArray:
		err = c.readArray(r)
	default:
		err = fmt.Errorf("unknown payload format %q", format)
	}
	if err != nil {
		return nil, &SourceError{Path: path, Kind: ErrSourceUnreadable, Cause: err}
	}

	if c.Len() == 0 {
		return nil, &SourceError{Path: path, Kind: ErrSourceEmpty}
	}

	return c, nil
}

// decompress wraps r according to the file extension.
func decompress(path string, r io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return gzip.NewReader(r)
	case ".zst", ".zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// readLines appends one payload per non-blank line.
func (c *Corpus) readLines(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(line)) > 0 {
				c.add(line)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// readArray appends the raw text of every element of a top-level JSON array.
func (c *Corpus) readArray(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if !gjson.ValidBytes(data) {
		return errors.New("fixture is not valid JSON")
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return errors.New("fixture is not a JSON array")
	}

	doc.ForEach(func(_, value gjson.Result) bool {
		c.add([]byte(value.Raw))
		return true
	})
	return nil
}

func (c *Corpus) add(b []byte) {
	body := make([]byte, len(b))
	copy(body, b)
	c.payloads = append(c.payloads, body)
	c.size += int64(len(body))
}

// Len returns the number of payloads.
func (c *Corpus) Len() int {
	return len(c.payloads)
}

// At returns the payload at index i. The body must not be modified.
func (c *Corpus) At(i int) Payload {
	return Payload{Index: i, Body: c.payloads[i]}
}

// Size returns the total number of body bytes in the corpus.
func (c *Corpus) Size() int64 {
	return c.size
}

// Source returns the path the corpus was loaded from.
func (c *Corpus) Source() string {
	return c.source
}

// Format returns the layout the corpus was read with.
func (c *Corpus) Format() Format {
	return c.format
}
