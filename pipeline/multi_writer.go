package pipeline

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-elections/models"
)

// MultiWriter fans a table out to several writers. Write stops at the first
// failing writer; Close and Validate visit every writer and join the errors.
type MultiWriter struct {
	writers []OutputWriter
}

// NewMultiWriter combines writers in the given order.
func NewMultiWriter(writers ...OutputWriter) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// NewDualWriter writes the CSV table and its JSON lines twin.
func NewDualWriter(csvFilename, jsonFilename string) (*MultiWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, err
	}
	return NewMultiWriter(csvWriter, jsonWriter), nil
}

// Write hands the table to each writer in order.
func (mw *MultiWriter) Write(table *models.ResultTable) error {
	for i, w := range mw.writers {
		if err := w.Write(table); err != nil {
			return fmt.Errorf("writer %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every writer.
func (mw *MultiWriter) Close() error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate validates every writer's output.
func (mw *MultiWriter) Validate() error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
