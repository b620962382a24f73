package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-elections/models"
)

// utf8BOM lets spreadsheet tools detect the encoding of the CSV output.
const utf8BOM = "\ufeff"

// OutputWriter receives the finished table. Writers are created only after a
// run succeeds, so a failed run leaves no file behind.
type OutputWriter interface {
	Write(table *models.ResultTable) error
	Close() error
	Validate() error
}

// outputFile is the file handle shared by the concrete writers.
type outputFile struct {
	mu      sync.Mutex
	kind    string
	name    string
	file    *os.File
	counter *countingWriter
	buf     *bufio.Writer
	written bool
}

// countingWriter counts the bytes that reached the file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func createOutputFile(kind, filename, preamble string) (*outputFile, error) {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create %s file: %w", kind, err)
	}
	counter := &countingWriter{w: f}
	out := &outputFile{
		kind:    kind,
		name:    filename,
		file:    f,
		counter: counter,
		buf:     bufio.NewWriter(counter),
	}
	if _, err := out.buf.WriteString(preamble); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s preamble: %w", kind, err)
	}
	return out, nil
}

// commit flushes a finished table. Callers hold mu.
func (o *outputFile) commit() error {
	if err := o.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s file: %w", o.kind, err)
	}
	o.written = true
	return nil
}

func (o *outputFile) close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.buf.Flush(); err != nil {
		o.file.Close()
		return fmt.Errorf("flush %s file: %w", o.kind, err)
	}
	return o.file.Close()
}

// validate checks that a table was written and that the file holds every
// byte of it. A table without rows is valid in every format.
func (o *outputFile) validate() error {
	o.mu.Lock()
	written, want := o.written, o.counter.n
	o.mu.Unlock()

	if !written {
		return fmt.Errorf("%s file %s: no table written", o.kind, o.name)
	}
	info, err := os.Stat(o.name)
	if err != nil {
		return fmt.Errorf("stat %s file: %w", o.kind, err)
	}
	if info.Size() != want {
		return fmt.Errorf("%s file %s holds %d bytes, %d written", o.kind, o.name, info.Size(), want)
	}
	return nil
}

// CSVWriter writes the table as UTF-8 CSV with a byte-order mark.
type CSVWriter struct {
	out *outputFile
	csv *csv.Writer
}

// NewCSVWriter creates filename, including missing parent directories.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	out, err := createOutputFile("csv", filename, utf8BOM)
	if err != nil {
		return nil, err
	}
	return &CSVWriter{out: out, csv: csv.NewWriter(out.buf)}, nil
}

// Write emits the header row followed by one record per municipality.
func (w *CSVWriter) Write(table *models.ResultTable) error {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()

	if err := w.csv.Write(table.Header()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := w.csv.WriteAll(table.Records()); err != nil {
		return fmt.Errorf("write csv records: %w", err)
	}
	return w.out.commit()
}

// Close flushes buffered records and closes the file.
func (w *CSVWriter) Close() error { return w.out.close() }

// Validate checks that the written table reached the file intact.
func (w *CSVWriter) Validate() error { return w.out.validate() }

// JSONWriter writes one JSON object per row (JSON lines).
type JSONWriter struct {
	out *outputFile
	enc *json.Encoder
}

// NewJSONWriter creates filename, including missing parent directories.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	out, err := createOutputFile("json", filename, "")
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(out.buf)
	enc.SetEscapeHTML(false)
	return &JSONWriter{out: out, enc: enc}, nil
}

// Write appends one JSON object per row.
func (w *JSONWriter) Write(table *models.ResultTable) error {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()

	for _, row := range table.Rows {
		if err := w.enc.Encode(row); err != nil {
			return fmt.Errorf("encode json row %s: %w", row.Code, err)
		}
	}
	return w.out.commit()
}

// Close flushes buffered rows and closes the file.
func (w *JSONWriter) Close() error { return w.out.close() }

// Validate checks that the written table reached the file intact.
func (w *JSONWriter) Validate() error { return w.out.validate() }
