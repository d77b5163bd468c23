package codec

import (
	"io"
	"sync/atomic"
	"time"
)

// CountingReader passes bytes through while tracking the total read.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Bytes returns the total bytes read so far.
func (c *CountingReader) Bytes() int64 {
	return c.n.Load()
}

// CountingWriter passes bytes through while tracking the total written.
type CountingWriter struct {
	w io.Writer
	n atomic.Int64
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// Bytes returns the total bytes written so far.
func (c *CountingWriter) Bytes() int64 {
	return c.n.Load()
}

// MeterReport is handed to the meter callback at each interval and on Finish.
type MeterReport struct {
	TotalRows     int
	RowsPerSecond float64
	ElapsedMs     int64
	Final         bool
}

// Meter counts rows and reports throughput to a callback at a fixed interval.
// The final report carries the whole-run average.
type Meter struct {
	interval  time.Duration
	report    func(MeterReport)
	start     time.Time
	lastTick  time.Time
	lastRows  int
	totalRows int
}

// NewMeter creates a row meter. A nil callback disables reporting.
func NewMeter(interval time.Duration, report func(MeterReport)) *Meter {
	now := time.Now()
	return &Meter{
		interval: interval,
		report:   report,
		start:    now,
		lastTick: now,
	}
}

// Add records n more rows and emits an interval report when due.
func (m *Meter) Add(n int) {
	m.totalRows += n
	if m.report == nil {
		return
	}
	now := time.Now()
	since := now.Sub(m.lastTick)
	if since < m.interval {
		return
	}
	rows := m.totalRows - m.lastRows
	m.report(MeterReport{
		TotalRows:     m.totalRows,
		RowsPerSecond: float64(rows) / since.Seconds(),
		ElapsedMs:     now.Sub(m.start).Milliseconds(),
	})
	m.lastTick = now
	m.lastRows = m.totalRows
}

// Finish emits the final averaged report.
func (m *Meter) Finish() MeterReport {
	elapsed := time.Since(m.start)
	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(m.totalRows) / elapsed.Seconds()
	}
	final := MeterReport{
		TotalRows:     m.totalRows,
		RowsPerSecond: rps,
		ElapsedMs:     elapsed.Milliseconds(),
		Final:         true,
	}
	if m.report != nil {
		m.report(final)
	}
	return final
}

// Total returns the rows counted so far.
func (m *Meter) Total() int {
	return m.totalRows
}
