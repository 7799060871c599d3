package queuehandoff

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
)

func TestBinaryForAuthenticatedUsesAuthEnv(t *testing.T) {
	t.Setenv("QMAILQUEUEAUTH", "/bin/auth-queue")
	t.Setenv("QMAILQUEUE", "/bin/plain-queue")
	if got := BinaryFor(true); got != "/bin/auth-queue" {
		t.Errorf("got %q, want /bin/auth-queue", got)
	}
}

func TestBinaryForUnauthenticatedIgnoresAuthEnv(t *testing.T) {
	t.Setenv("QMAILQUEUEAUTH", "/bin/auth-queue")
	t.Setenv("QMAILQUEUE", "/bin/plain-queue")
	if got := BinaryFor(false); got != "/bin/plain-queue" {
		t.Errorf("got %q, want /bin/plain-queue", got)
	}
}

func TestBinaryForFallsBackToDefault(t *testing.T) {
	os.Unsetenv("QMAILQUEUEAUTH")
	os.Unsetenv("QMAILQUEUE")
	if got := BinaryFor(true); got != Default {
		t.Errorf("got %q, want %q", got, Default)
	}
}

func TestExitStatusSuccess(t *testing.T) {
	s := exitStatus(nil)
	if s.Code != 250 {
		t.Errorf("got %d, want 250", s.Code)
	}
}

func TestExitStatusPermanentRange(t *testing.T) {
	err := runWithExitCode(t, 20)
	s := exitStatus(err)
	if s.Code != 554 {
		t.Errorf("got %d, want 554 for exit code 20", s.Code)
	}
}

func TestExitStatusTemporaryOutsideRange(t *testing.T) {
	err := runWithExitCode(t, 5)
	s := exitStatus(err)
	if s.Code != 451 {
		t.Errorf("got %d, want 451 for exit code 5", s.Code)
	}
}

func TestExitStatusTemporaryAboveRange(t *testing.T) {
	err := runWithExitCode(t, 90)
	s := exitStatus(err)
	if s.Code != 451 {
		t.Errorf("got %d, want 451 for exit code 90", s.Code)
	}
}

// runWithExitCode runs a real subprocess exiting with the given code, so
// exitStatus can be exercised against a genuine *exec.ExitError rather than
// a hand-built one.
func runWithExitCode(t *testing.T, code int) error {
	t.Helper()
	cmd := exec.Command("sh", "-c", "exit "+strconv.Itoa(code))
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		t.Fatalf("expected *exec.ExitError, got %v", err)
	}
	return err
}

func TestEnvelopeFraming(t *testing.T) {
	var got []byte
	got = append(got, "F"+"sender@example.com"+"\x00"...)
	got = append(got, "T"+"rcpt@example.com"+"\x00"...)
	got = append(got, 0)
	if !strings.HasPrefix(string(got), "Fsender@example.com\x00") {
		t.Error("expected sender record to lead the envelope")
	}
	if got[len(got)-1] != 0 {
		t.Error("expected envelope to end with an empty NUL record")
	}
}
