// Package datagen writes synthetic row fixtures from a column schema.
//
// A schema file has one NAME:TYPE column per line. Each output line is a
// one-element JSON array holding a generated row, keys in schema order.
package datagen

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Type is a column type.
type Type string

const (
	TypeVarchar      Type = "VARCHAR"
	TypeVariant      Type = "VARIANT"
	TypeBoolean      Type = "BOOLEAN"
	TypeFloat        Type = "FLOAT"
	TypeArray        Type = "ARRAY"
	TypeTimestampNTZ Type = "TIMESTAMP_NTZ"
)

// Value ranges.
const (
	stringMinLen = 50
	stringMaxLen = 100
	arrayMinLen  = 5
	arrayMaxLen  = 15
	floatMin     = -1000.0
	floatMax     = 1000.0

	// TimestampLayout is the layout of TIMESTAMP_NTZ values.
	TimestampLayout = "2006-01-02T03:04:PM"

	// DefaultRows is the row count when none is given.
	DefaultRows = 10
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	timestampStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timestampEnd   = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
)

// Column is one NAME:TYPE schema entry.
type Column struct {
	Name string
	Type Type
}

// Schema is an ordered list of columns.
type Schema []Column

// SchemaError reports a bad schema line.
type SchemaError struct {
	Line    int
	Text    string
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema line %d (%q): %s", e.Line, e.Text, e.Message)
}

// ParseType parses a column type, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypeVarchar, TypeVariant, TypeBoolean, TypeFloat, TypeArray, TypeTimestampNTZ:
		return t, nil
	default:
		return "", fmt.Errorf("unknown type %q", s)
	}
}

// ParseSchema reads NAME:TYPE lines. Blank lines are skipped.
func ParseSchema(r io.Reader) (Schema, error) {
	var schema Schema
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		name, typ, ok := strings.Cut(text, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, &SchemaError{Line: line, Text: text, Message: "expected NAME:TYPE"}
		}
		t, err := ParseType(typ)
		if err != nil {
			return nil, &SchemaError{Line: line, Text: text, Message: err.Error()}
		}
		if seen[name] {
			return nil, &SchemaError{Line: line, Text: text, Message: "duplicate column"}
		}
		seen[name] = true

		schema = append(schema, Column{Name: name, Type: t})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema has no columns")
	}
	return schema, nil
}

// LoadSchema reads a schema file.
func LoadSchema(path string) (Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening schema: %w", err)
	}
	defer f.Close()
	return ParseSchema(f)
}

// Generator produces rows for a schema. It is not safe for concurrent use.
type Generator struct {
	schema Schema
	rng    *rand.Rand
	buf    bytes.Buffer
}

// NewGenerator creates a generator. The same seed yields the same rows.
func NewGenerator(schema Schema, seed int64) *Generator {
	return &Generator{
		schema: schema,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Row returns the next row as a one-element JSON array, without a newline.
func (g *Generator) Row() []byte {
	g.buf.Reset()
	g.buf.WriteString("[{")
	for i, col := range g.schema {
		if i > 0 {
			g.buf.WriteByte(',')
		}
		key, _ := json.Marshal(col.Name)
		g.buf.Write(key)
		g.buf.WriteByte(':')
		val, _ := json.Marshal(g.value(col.Type))
		g.buf.Write(val)
	}
	g.buf.WriteString("}]")

	out := make([]byte, g.buf.Len())
	copy(out, g.buf.Bytes())
	return out
}

func (g *Generator) value(t Type) any {
	switch t {
	case TypeBoolean:
		return g.rng.Intn(2) == 1
	case TypeFloat:
		return floatMin + g.rng.Float64()*(floatMax-floatMin)
	case TypeArray:
		n := arrayMinLen + g.rng.Intn(arrayMaxLen-arrayMinLen+1)
		arr := make([]string, n)
		for i := range arr {
			arr[i] = g.randomString()
		}
		return arr
	case TypeTimestampNTZ:
		span := int64(timestampEnd.Sub(timestampStart) / time.Second)
		return timestampStart.Add(time.Duration(g.rng.Int63n(span)) * time.Second).Format(TimestampLayout)
	default:
		return g.randomString()
	}
}

func (g *Generator) randomString() string {
	n := stringMinLen + g.rng.Intn(stringMaxLen-stringMinLen+1)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[g.rng.Intn(len(alphanumeric))]
	}
	return string(b)
}

// WriteRows writes n newline-terminated rows to w.
func (g *Generator) WriteRows(w io.Writer, n int) error {
	bw := bufio.NewWriter(w)
	for i := 0; i < n; i++ {
		if _, err := bw.Write(g.Row()); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// WriteFile writes n rows to path, compressed when the name ends in .gz or
// .zst.
func WriteFile(path string, schema Schema, n int, seed int64) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing output: %w", cerr)
		}
	}()

	var w io.WriteCloser
	switch {
	case strings.HasSuffix(path, ".gz"):
		w = gzip.NewWriter(f)
	case strings.HasSuffix(path, ".zst"):
		zw, zerr := zstd.NewWriter(f)
		if zerr != nil {
			return fmt.Errorf("creating zstd writer: %w", zerr)
		}
		w = zw
	}

	if w == nil {
		return NewGenerator(schema, seed).WriteRows(f, n)
	}
	if err := NewGenerator(schema, seed).WriteRows(w, n); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compressing output: %w", err)
	}
	return nil
}
