package kfmt

import "io"

// PrefixWriter wraps an io.Writer and starts every line written through it
// with Prefix. The prefix is emitted lazily, when the first byte of a line
// arrives, so a trailing newline never leaves a dangling prefix behind.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is written at the start of each line.
	Prefix []byte

	midLine bool
}

// NewPrefixWriter returns a PrefixWriter that sends output to sink.
func NewPrefixWriter(sink io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte(prefix)}
}

// Reset makes the next write start a new line.
func (w *PrefixWriter) Reset() { w.midLine = false }

// Write sends p to the sink, injecting the prefix after each line break.
// The returned count covers bytes of p only, never the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		for i, b := range p {
			if b == '\n' {
				line = p[:i+1]
				w.midLine = false
				break
			}
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(line):]
	}

	return written, nil
}
