package codec

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bulk-jobs-api/internal/models"
)

// Row is one decoded input record. Line is 1-based (the CSV header does not
// count). A per-row parse failure is carried in Err; the stream continues.
type Row struct {
	Line   int
	Fields map[string]any
	Err    error
}

// Decoder yields rows one at a time with bounded memory.
// Next returns io.EOF when the input is exhausted. Any other error is fatal
// for the whole stream.
type Decoder interface {
	Next() (Row, error)
}

// NewDecoder returns a decoder for the given format reading from r.
func NewDecoder(format models.Format, r io.Reader) (Decoder, error) {
	switch format {
	case models.FormatNDJSON:
		return newNDJSONDecoder(r), nil
	case models.FormatCSV:
		return newCSVDecoder(r), nil
	case models.FormatJSON:
		return newJSONArrayDecoder(r), nil
	}
	return nil, fmt.Errorf("unsupported format: %s", format)
}

// ndjsonDecoder reads line-delimited JSON
type ndjsonDecoder struct {
	scanner *bufio.Scanner
	line    int
}

func newNDJSONDecoder(r io.Reader) *ndjsonDecoder {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for long lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &ndjsonDecoder{scanner: scanner}
}

func (d *ndjsonDecoder) Next() (Row, error) {
	for d.scanner.Scan() {
		d.line++
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			return Row{Line: d.line, Err: fmt.Errorf("invalid JSON: %w", err)}, nil
		}
		return Row{Line: d.line, Fields: fields}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Row{}, err
	}
	return Row{}, io.EOF
}

// csvDecoder reads CSV with a required header row
type csvDecoder struct {
	reader *csv.Reader
	header []string
	line   int
}

func newCSVDecoder(r io.Reader) *csvDecoder {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return &csvDecoder{reader: reader}
}

func (d *csvDecoder) Next() (Row, error) {
	if d.header == nil {
		record, err := d.reader.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		if err != nil {
			return Row{}, fmt.Errorf("failed to read CSV header: %w", err)
		}
		d.header = make([]string, len(record))
		for i, h := range record {
			d.header[i] = strings.ToLower(strings.TrimSpace(h))
		}
	}

	for {
		record, err := d.reader.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		d.line++
		if err != nil {
			return Row{Line: d.line, Err: fmt.Errorf("malformed CSV row: %w", err)}, nil
		}

		// Skip rows that are entirely empty
		empty := true
		for _, cell := range record {
			if strings.TrimSpace(cell) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}

		fields := make(map[string]any, len(d.header))
		for i, h := range d.header {
			if i < len(record) {
				fields[h] = strings.TrimSpace(record[i])
			}
		}
		return Row{Line: d.line, Fields: fields}, nil
	}
}

// jsonArrayDecoder walks a JSON array element by element using the streaming
// token API, so the array is never materialized in full. Non-array input is a
// fatal decode error.
type jsonArrayDecoder struct {
	dec     *json.Decoder
	started bool
	done    bool
	line    int
}

func newJSONArrayDecoder(r io.Reader) *jsonArrayDecoder {
	return &jsonArrayDecoder{dec: json.NewDecoder(r)}
}

func (d *jsonArrayDecoder) Next() (Row, error) {
	if d.done {
		return Row{}, io.EOF
	}
	if !d.started {
		d.started = true
		tok, err := d.dec.Token()
		if err != nil {
			return Row{}, fmt.Errorf("invalid JSON input: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return Row{}, fmt.Errorf("input must be a JSON array of objects")
		}
	}

	if !d.dec.More() {
		if _, err := d.dec.Token(); err != nil {
			return Row{}, fmt.Errorf("invalid JSON input: %w", err)
		}
		d.done = true
		return Row{}, io.EOF
	}

	d.line++
	var fields map[string]any
	if err := d.dec.Decode(&fields); err != nil {
		return Row{}, fmt.Errorf("invalid JSON array element: %w", err)
	}
	return Row{Line: d.line, Fields: fields}, nil
}
