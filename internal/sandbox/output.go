package sandbox

import (
	"sync"

	"github.com/odysseyml/odyssey/pkg/types"
)

// OutputCollector accumulates stdout and stderr up to a shared byte
// budget and optionally forwards chunks to a StreamSink. Bytes beyond
// the budget are discarded and the Truncated flag is set; forwarding to
// the sink is not limited.
type OutputCollector struct {
	mu        sync.Mutex
	limit     int64
	used      int64
	stdout    []byte
	stderr    []byte
	truncated bool
	sink      StreamSink
}

// NewOutputCollector builds a collector with the given byte budget. A
// non-positive limit means unlimited.
func NewOutputCollector(limit int64, sink StreamSink) *OutputCollector {
	return &OutputCollector{limit: limit, sink: sink}
}

// Write appends one chunk of the named stream.
func (c *OutputCollector) Write(stream types.ExecStream, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	c.mu.Lock()
	keep := int64(len(chunk))
	if c.limit > 0 {
		remaining := c.limit - c.used
		if remaining <= 0 {
			keep = 0
		} else if keep > remaining {
			keep = remaining
		}
		if keep < int64(len(chunk)) {
			c.truncated = true
		}
	}
	if keep > 0 {
		c.used += keep
		if stream == types.StreamStderr {
			c.stderr = append(c.stderr, chunk[:keep]...)
		} else {
			c.stdout = append(c.stdout, chunk[:keep]...)
		}
	}
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.Write(stream, chunk)
	}
}

// Stdout returns the collected stdout.
func (c *OutputCollector) Stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.stdout)
}

// Stderr returns the collected stderr.
func (c *OutputCollector) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.stderr)
}

// Truncated reports whether any bytes were discarded.
func (c *OutputCollector) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// streamWriter adapts one stream of an OutputCollector to io.Writer.
type streamWriter struct {
	collector *OutputCollector
	stream    types.ExecStream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.collector.Write(w.stream, p)
	return len(p), nil
}

// StdoutWriter returns an io.Writer feeding the stdout stream.
func (c *OutputCollector) StdoutWriter() *streamWriter {
	return &streamWriter{collector: c, stream: types.StreamStdout}
}

// StderrWriter returns an io.Writer feeding the stderr stream.
func (c *OutputCollector) StderrWriter() *streamWriter {
	return &streamWriter{collector: c, stream: types.StreamStderr}
}
