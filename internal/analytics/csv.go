package analytics

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Preflight reads the header of a CSV file and returns its column names.
// It fails for a file without a header or without at least one data row,
// so the obvious mistakes never reach the service.
func Preflight(data []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrMalformedCSV, err)
	}

	features := make([]string, 0, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			return nil, fmt.Errorf("%w: header column %d is empty", ErrMalformedCSV, i+1)
		}
		features = append(features, h)
	}

	if _, err := r.Read(); errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	} else if err != nil {
		return nil, fmt.Errorf("%w: reading first row: %w", ErrMalformedCSV, err)
	}
	return features, nil
}
