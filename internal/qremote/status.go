package qremote

import (
	"bufio"
	"io"
)

// StatusCode is the one-byte status-stream code Qremote writes to the
// spawning process for each recipient and for the final summary.
type StatusCode byte

const (
	// StatusRecipientOK marks a recipient the remote accepted.
	StatusRecipientOK StatusCode = 'r'
	// StatusRecipientTemp marks a recipient that temporarily failed.
	StatusRecipientTemp StatusCode = 's'
	// StatusRecipientPerm marks a recipient that permanently failed.
	StatusRecipientPerm StatusCode = 'h'
	// StatusConnTemp is the connection-level temporary failure summary.
	StatusConnTemp StatusCode = 'Z'
	// StatusConnPerm is the connection-level permanent failure summary.
	StatusConnPerm StatusCode = 'D'
	// StatusSuccess is the final summary line for a successful dispatch.
	StatusSuccess StatusCode = 'K'
)

// StatusWriter writes NUL-terminated status records: one byte of code,
// the message text, then a single NUL. The terminator is a NUL, not a
// newline.
type StatusWriter struct {
	w *bufio.Writer
}

// NewStatusWriter wraps w (normally the process's stdout).
func NewStatusWriter(w io.Writer) *StatusWriter {
	return &StatusWriter{w: bufio.NewWriter(w)}
}

// Write emits one status record.
func (sw *StatusWriter) Write(code StatusCode, msg string) error {
	if err := sw.w.WriteByte(byte(code)); err != nil {
		return err
	}
	if _, err := sw.w.WriteString(msg); err != nil {
		return err
	}
	return sw.w.WriteByte(0)
}

// Flush pushes buffered records out to the underlying writer.
func (sw *StatusWriter) Flush() error {
	return sw.w.Flush()
}
