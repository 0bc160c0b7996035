package affine

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"volreg/internal/errdefs"
)

// DefaultPrecision is the number of decimals written by Write.
const DefaultPrecision = 6

// Read parses a plain-text 4×4 matrix: four non-empty lines of four
// whitespace-separated numbers. Blank lines and lines starting with '#'
// are skipped.
func Read(r io.Reader) (Affine, error) {
	var rows [][]float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Affine{}, fmt.Errorf("line %d: %q is not a number: %w", line, f, errdefs.ErrIO)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return Affine{}, fmt.Errorf("reading matrix: %v: %w", err, errdefs.ErrIO)
	}
	if len(rows) != 4 {
		return Affine{}, fmt.Errorf("matrix has %d rows, want 4: %w", len(rows), errdefs.ErrIO)
	}
	for i, row := range rows {
		if len(row) != 4 {
			return Affine{}, fmt.Errorf("matrix row %d has %d columns, want 4: %w", i, len(row), errdefs.ErrIO)
		}
	}
	return FromRows(rows)
}

// ReadFile reads a matrix written by WriteFile or by hand.
func ReadFile(path string) (Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return Affine{}, fmt.Errorf("opening %s: %v: %w", path, err, errdefs.ErrIO)
	}
	defer f.Close()

	a, err := Read(f)
	if err != nil {
		return Affine{}, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Write prints the matrix as four lines of four fixed-precision decimals.
func Write(w io.Writer, a Affine, precision int) error {
	if precision < 0 {
		precision = DefaultPrecision
	}
	for i := 0; i < 4; i++ {
		cells := make([]string, 4)
		for j := 0; j < 4; j++ {
			s := strconv.FormatFloat(a.m[i][j], 'f', precision, 64)
			if strings.HasPrefix(s, "-") && strings.Trim(s, "-0.") == "" {
				s = s[1:]
			}
			cells[j] = s
		}
		if _, err := fmt.Fprintln(w, strings.Join(cells, " ")); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes the matrix to path, replacing any existing file.
func WriteFile(path string, a Affine, precision int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %v: %w", path, err, errdefs.ErrIO)
	}
	if err := Write(f, a, precision); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %v: %w", path, err, errdefs.ErrIO)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %v: %w", path, err, errdefs.ErrIO)
	}
	return nil
}
