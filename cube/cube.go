// Package cube loads 3D color lookup tables from .cube-style text files.
//
// A table is a dense N×N×N lattice of RGB triples. File order is preserved:
// the red axis varies fastest, so lattice point (r, g, b) lives at index
// (b*N + g)*N + r. Tables are immutable once parsed.
package cube

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parse errors.
var (
	// ErrNoSize is returned when the stream contains no size directive.
	ErrNoSize = errors.New("cube: missing LUT_3D_SIZE directive")

	// ErrBadSize is returned when the size directive is not an integer >= 2.
	ErrBadSize = errors.New("cube: invalid lattice size")

	// ErrRowCount is returned when the number of data rows does not equal N^3.
	ErrRowCount = errors.New("cube: data row count does not match size")
)

// FormatError describes a malformed table stream. It wraps one of the
// sentinel errors above, or a parse failure for a specific line in
// strict mode.
type FormatError struct {
	// Line is the 1-based line number the error refers to, or 0 when the
	// error concerns the stream as a whole (e.g. a row-count mismatch).
	Line int

	// Err is the underlying cause.
	Err error
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("cube: line %d: %v", e.Line, e.Err)
	}
	return e.Err.Error()
}

func (e *FormatError) Unwrap() error { return e.Err }

// RGB is one lattice entry. Components are in the table's own value domain,
// nominally [0, 1].
type RGB struct {
	R, G, B float32
}

// Table is an immutable dense N×N×N color lattice.
type Table struct {
	size  int
	data  []RGB
	title string
}

// Size returns the lattice edge length N.
func (t *Table) Size() int { return t.size }

// Title returns the TITLE directive value, or "" if the file had none.
func (t *Table) Title() string { return t.title }

// At returns the entry at lattice point (r, g, b). All coordinates must be
// in [0, N-1]; out-of-range coordinates panic, mirroring slice indexing.
func (t *Table) At(r, g, b int) RGB {
	if r < 0 || r >= t.size || g < 0 || g >= t.size || b < 0 || b >= t.size {
		panic(fmt.Sprintf("cube: lattice point (%d,%d,%d) outside [0,%d)", r, g, b, t.size))
	}
	return t.data[(b*t.size+g)*t.size+r]
}

// Data returns the flat lattice in file order. The returned slice is shared;
// callers must not modify it.
func (t *Table) Data() []RGB { return t.data }

// Pixels8 quantizes the lattice to 8-bit RGBA suitable for a device texture
/// upload: N^3 pixels, 4 bytes each, file order, alpha fixed at 255. Values
// outside [0, 1] are clamped before rounding.
func (t *Table) Pixels8() []byte {
	out := make([]byte, len(t.data)*4)
	for i, e := range t.data {
		out[i*4+0] = quant8(e.R)
		out[i*4+1] = quant8(e.G)
		out[i*4+2] = quant8(e.B)
		out[i*4+3] = 0xFF
	}
	return out
}

func quant8(v float32) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xFF
	default:
		return byte(v*255 + 0.5)
	}
}

// Options controls parsing behavior.
type Options struct {
	// Strict makes a data row that fails to parse a FormatError instead of
	// silently skipping it.
	Strict bool
}

// Parse reads a .cube-style stream and returns the table. Rows whose values
// fail to parse as numbers are skipped; use ParseWith for strict handling.
//
// On any failure no table is returned: partial parses are discarded.
func Parse(r io.Reader) (*Table, error) {
	return ParseWith(r, Options{})
}

// ParseWith is Parse with explicit Options.
func ParseWith(r io.Reader, opts Options) (*Table, error) {
	var (
		t      Table
		lineNo int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "LUT_3D_SIZE", "SIZE":
			n, err := strconv.Atoi(fieldOr(fields, 1))
			if err != nil || n < 2 {
				return nil, &FormatError{Line: lineNo, Err: ErrBadSize}
			}
			t.size = n
			t.data = make([]RGB, 0, n*n*n)
			continue
		case "TITLE":
			t.title = strings.Trim(strings.TrimPrefix(line, "TITLE"), ` "`)
			continue
		case "DOMAIN_MIN", "DOMAIN_MAX", "LUT_1D_SIZE":
			// Recognized metadata; values are not used.
			continue
		}

		e, err := parseRow(fields)
		if err != nil {
			if opts.Strict {
				return nil, &FormatError{Line: lineNo, Err: err}
			}
			continue
		}
		t.data = append(t.data, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cube: read: %w", err)
	}

	if t.size == 0 {
		return nil, &FormatError{Err: ErrNoSize}
	}
	if want := t.size * t.size * t.size; len(t.data) != want {
		return nil, &FormatError{Err: fmt.Errorf("%w: have %d, want %d", ErrRowCount, len(t.data), want)}
	}
	return &t, nil
}

// parseRow parses a data row of exactly three decimal floats.
func parseRow(fields []string) (RGB, error) {
	if len(fields) != 3 {
		return RGB{}, fmt.Errorf("expected 3 values, have %d", len(fields))
	}
	var v [3]float32
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return RGB{}, fmt.Errorf("value %q: %w", f, err)
		}
		v[i] = float32(x)
	}
	return RGB{R: v[0], G: v[1], B: v[2]}, nil
}

func fieldOr(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// Identity returns the n×n×n identity table: entry (r, g, b) maps to
// (r/(n-1), g/(n-1), b/(n-1)). Applying it leaves colors unchanged up to
// 8-bit rounding.
func Identity(n int) *Table {
	if n < 2 {
		panic("cube: identity size must be >= 2")
	}
	data := make([]RGB, 0, n*n*n)
	scale := 1 / float32(n-1)
	for b := 0; b < n; b++ {
		for g := 0; g < n; g++ {
			for r := 0; r < n; r++ {
				data = append(data, RGB{
					R: float32(r) * scale,
					G: float32(g) * scale,
					B: float32(b) * scale,
				})
			}
		}
	}
	return &Table{size: n, data: data}
}

// New builds a table from a pre-computed lattice. The slice length must be
// n^3 with entries in file order (red fastest). The slice is retained.
func New(n int, data []RGB) (*Table, error) {
	if n < 2 {
		return nil, &FormatError{Err: ErrBadSize}
	}
	if len(data) != n*n*n {
		return nil, &FormatError{Err: fmt.Errorf("%w: have %d, want %d", ErrRowCount, len(data), n*n*n)}
	}
	return &Table{size: n, data: data}, nil
}
