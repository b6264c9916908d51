package kfmt

import "io"

// Logger writes Printf-style messages prefixed with a "[module] " tag to the
// active output sink. The zero value logs without a prefix.
type Logger struct {
	Module string
}

// Printf formats and writes a message to the active output sink.
func (l Logger) Printf(format string, args ...interface{}) {
	l.Fprintf(outputSink, format, args...)
}

// Fprintf formats and writes a message to w.
func (l Logger) Fprintf(w io.Writer, format string, args ...interface{}) {
	if l.Module != "" {
		Fprintf(w, "[%s] ", l.Module)
	}
	Fprintf(w, format, args...)
}
