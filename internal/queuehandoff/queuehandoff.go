// Package queuehandoff hands an accepted message off to the external queue
// program: one pipe carries the message body, a second carries the
// F/T-framed envelope, and the program's exit code maps back to the SMTP
// status line Qsmtpd returns to the client.
package queuehandoff

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Recipient is one accepted RCPT TO target, already resolved to the form
// the queue program expects: address-literal recipients are rewritten to
// "local@<liphost>" by the caller before reaching here.
type Recipient struct {
	Address string
}

// Status is the SMTP-facing outcome of a handoff.
type Status struct {
	Code int    // 250, 451 or 554
	Msg  string // enhanced-status-code text, e.g. "2.5.0 accepted message for delivery"
}

// Queue runs the external queue binary and feeds it the envelope.
type Queue struct {
	// Binary is the path to the queue program, chosen by the caller from
	// QMAILQUEUEAUTH (if the client authenticated) or QMAILQUEUE, falling
	// back to a default path.
	Binary string
}

// Default is the queue binary path used when neither QMAILQUEUEAUTH nor
// QMAILQUEUE is set in the environment.
const Default = "bin/qmail-queue"

// BinaryFor chooses the queue program path: QMAILQUEUEAUTH wins when the
// client authenticated, otherwise QMAILQUEUE, otherwise Default.
func BinaryFor(authenticated bool) string {
	if authenticated {
		if b := os.Getenv("QMAILQUEUEAUTH"); b != "" {
			return b
		}
	}
	if b := os.Getenv("QMAILQUEUE"); b != "" {
		return b
	}
	return Default
}

// Handoff spawns the queue binary, streams body to its fd 0 and the
// envelope to its fd 1, and waits for it to exit.
//
// body is read to completion and written to the child's stdin. sender and
// recipients build the envelope: "F"+sender+NUL, then "T"+recipient+NUL
// per recipient, then a final empty NUL record.
func Handoff(ctx context.Context, q *Queue, body io.Reader, sender string, recipients []Recipient) (Status, error) {
	cmd := exec.CommandContext(ctx, q.Binary)

	dataR, dataW, err := os.Pipe()
	if err != nil {
		return Status{}, fmt.Errorf("queuehandoff: cannot create data pipe: %w", err)
	}
	hdrR, hdrW, err := os.Pipe()
	if err != nil {
		dataR.Close()
		dataW.Close()
		return Status{}, fmt.Errorf("queuehandoff: cannot create envelope pipe: %w", err)
	}

	// qmail-queue's own contract puts the message on its fd 0 and reads
	// the envelope back on its fd 1 -- the reverse of what that
	// descriptor conventionally carries. exec.Cmd.Stdin/Stdout just dup
	// whatever *os.File they're given into the child's 0/1, so handing
	// Stdout the read end of our envelope pipe reproduces that directly.
	cmd.Stdin = dataR
	cmd.Stdout = hdrR
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		dataR.Close()
		dataW.Close()
		hdrR.Close()
		hdrW.Close()
		return Status{Code: 451, Msg: "4.3.2 can not connect to queue"}, fmt.Errorf("queuehandoff: cannot fork queue program: %w", err)
	}
	dataR.Close()
	hdrR.Close()

	// If the child has already died (bad binary, missing program), the
	// pipe writes below fail with EPIPE instead of blocking; that failure
	// is reported as the same "queue unreachable" temporary status as a
	// child that exits before the envelope is written.
	if _, err := io.Copy(dataW, body); err != nil {
		dataW.Close()
		hdrW.Close()
		cmd.Wait()
		return Status{Code: 451, Msg: "4.3.2 can not connect to queue"}, fmt.Errorf("queuehandoff: writing message body: %w", err)
	}
	if err := dataW.Close(); err != nil {
		hdrW.Close()
		cmd.Wait()
		return Status{Code: 451, Msg: "4.3.2 can not connect to queue"}, fmt.Errorf("queuehandoff: closing data pipe: %w", err)
	}

	var envelope bytes.Buffer
	envelope.WriteString("F")
	envelope.WriteString(sender)
	envelope.WriteByte(0)
	for _, r := range recipients {
		envelope.WriteString("T")
		envelope.WriteString(r.Address)
		envelope.WriteByte(0)
	}
	envelope.WriteByte(0)

	if _, err := hdrW.Write(envelope.Bytes()); err != nil {
		hdrW.Close()
		cmd.Wait()
		return Status{Code: 451, Msg: "4.3.2 can not connect to queue"}, fmt.Errorf("queuehandoff: writing envelope: %w", err)
	}
	if err := hdrW.Close(); err != nil {
		cmd.Wait()
		return Status{Code: 451, Msg: "4.3.2 can not connect to queue"}, fmt.Errorf("queuehandoff: closing envelope pipe: %w", err)
	}

	err = cmd.Wait()
	return exitStatus(err), nil
}

// exitStatus maps the queue program's exit status to an SMTP reply: 0 is
// success, 11-40 is a permanent failure, anything else (including signal
// death) is temporary.
func exitStatus(err error) Status {
	if err == nil {
		return Status{Code: 250, Msg: "2.5.0 accepted message for delivery"}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Status{Code: 451, Msg: "4.3.2 error while writing mail to queue"}
	}
	code := exitErr.ExitCode()
	if code < 0 {
		return Status{Code: 451, Msg: "4.3.2 error while writing mail to queue"}
	}
	if code >= 11 && code <= 40 {
		return Status{Code: 554, Msg: "5.3.0 qq permanent problem"}
	}
	return Status{Code: 451, Msg: "4.3.0 qq temporary problem"}
}
