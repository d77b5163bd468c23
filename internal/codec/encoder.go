package codec

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/bulk-jobs-api/internal/models"
)

// Encoder consumes record maps and writes the encoded stream.
// Close must be called to flush trailing output (the JSON array bracket, the
// CSV buffer).
type Encoder interface {
	Write(record map[string]any) error
	Close() error
}

// NewEncoder returns an encoder for the given format writing to w.
// fields fixes the CSV column order; when empty the first record's keys are
// used, sorted for a stable header.
func NewEncoder(format models.Format, w io.Writer, fields []string) (Encoder, error) {
	switch format {
	case models.FormatNDJSON:
		return &ndjsonEncoder{w: w}, nil
	case models.FormatJSON:
		return &jsonArrayEncoder{w: w}, nil
	case models.FormatCSV:
		return &csvEncoder{writer: csv.NewWriter(w), fields: fields}, nil
	}
	return nil, fmt.Errorf("unsupported format: %s", format)
}

type ndjsonEncoder struct {
	w io.Writer
}

func (e *ndjsonEncoder) Write(record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	_, err = e.w.Write([]byte("\n"))
	return err
}

func (e *ndjsonEncoder) Close() error {
	return nil
}

type jsonArrayEncoder struct {
	w       io.Writer
	started bool
}

func (e *jsonArrayEncoder) Write(record map[string]any) error {
	prefix := ","
	if !e.started {
		prefix = "["
		e.started = true
	}
	if _, err := e.w.Write([]byte(prefix)); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = e.w.Write(data)
	return err
}

func (e *jsonArrayEncoder) Close() error {
	if !e.started {
		_, err := e.w.Write([]byte("[]"))
		return err
	}
	_, err := e.w.Write([]byte("]"))
	return err
}

type csvEncoder struct {
	writer        *csv.Writer
	fields        []string
	headerWritten bool
}

func (e *csvEncoder) Write(record map[string]any) error {
	if e.fields == nil {
		e.fields = make([]string, 0, len(record))
		for k := range record {
			e.fields = append(e.fields, k)
		}
		sort.Strings(e.fields)
	}

	// Header goes out with the first record
	if !e.headerWritten {
		if err := e.writer.Write(e.fields); err != nil {
			return err
		}
		e.headerWritten = true
	}

	row := make([]string, len(e.fields))
	for i, f := range e.fields {
		row[i] = cellString(record[f])
	}
	return e.writer.Write(row)
}

func (e *csvEncoder) Close() error {
	if !e.headerWritten && e.fields != nil {
		if err := e.writer.Write(e.fields); err != nil {
			return err
		}
		e.headerWritten = true
	}
	e.writer.Flush()
	return e.writer.Error()
}

// cellString renders a decoded value as a CSV cell. Nil becomes the empty
// string; non-scalar values are JSON-encoded.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
