// Package background implements the parent-exits-immediately
// daemonization handoff. The invoking shell gets control back as soon
// as the parent exits; with --background-wait the parent first blocks,
// bounded, on a one-shot status pipe until the child reports that all
// data sources started.
package background

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the single byte exchanged from child to parent.
type Status byte

const (
	StatusOK         Status = 0
	StatusOtherError Status = 1
	StatusTimeout    Status = 2
)

// WaitCeiling bounds how long the parent waits for the child's status
// byte.
const WaitCeiling = 30 * time.Second

const childEnv = "TRACECTL_DAEMONIZED"

// Notifier is the child's write end of the status pipe. Notify is
// idempotent: the contract allows at most one byte on the pipe, so
// every call after the first is a no-op. A nil Notifier no-ops, which
// lets foreground runs share the notify call sites.
type Notifier struct {
	w    *os.File
	once sync.Once
}

// Notify sends the status byte and closes the write end.
func (n *Notifier) Notify(st Status) {
	if n == nil || n.w == nil {
		return
	}
	n.once.Do(func() {
		n.w.Write([]byte{byte(st)})
		n.w.Close()
	})
}

// InChild reports whether this process is the daemonized child.
func InChild() bool {
	return os.Getenv(childEnv) != ""
}

// WaitForStatus performs the parent's bounded read of the status
// pipe. A close with no byte means the child died or never reported;
// an expired ceiling means it is still starting up.
func WaitForStatus(r *os.File, timeout time.Duration, stderr io.Writer) Status {
	r.SetReadDeadline(time.Now().Add(timeout))
	var b [1]byte
	n, err := r.Read(b[:])
	if err != nil {
		if os.IsTimeout(err) {
			fmt.Fprintln(stderr, "Timeout waiting for all data sources to start")
			return StatusTimeout
		}
		fmt.Fprintln(stderr, "Background process didn't report anything")
		return StatusOtherError
	}
	if n == 0 {
		fmt.Fprintln(stderr, "Background process didn't report anything")
		return StatusOtherError
	}
	st := Status(b[0])
	if st != StatusOK {
		fmt.Fprintf(stderr, "Background process failed, status=%d\n", st)
	}
	return st
}

// Daemonize re-executes the process into the background.
//
// In the parent it spawns the child in a new session, optionally
// performs the bounded status wait, prints the child PID and exits;
// it never returns. In the child it returns the Notifier for the
// status pipe (nil when no wait was requested).
func Daemonize(wait bool, stdout, stderr io.Writer) (*Notifier, error) {
	if InChild() {
		if !wait {
			return nil, nil
		}
		w := os.NewFile(3, "status-pipe")
		if w == nil {
			return nil, fmt.Errorf("daemonized child is missing the status pipe")
		}
		return &Notifier{w: w}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable for daemonization: %w", err)
	}

	var rd, wr *os.File
	if wait {
		rd, wr, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("create status pipe: %w", err)
		}
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if wr != nil {
		cmd.ExtraFiles = []*os.File{wr}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn background process: %w", err)
	}
	// Only the child may write the status byte.
	if wr != nil {
		wr.Close()
	}
	fmt.Fprintln(stdout, cmd.Process.Pid)

	exitCode := 0
	if wait {
		if st := WaitForStatus(rd, WaitCeiling, stderr); st != StatusOK {
			exitCode = 1
		}
	}
	cmd.Process.Release()
	os.Exit(exitCode)
	return nil, nil // unreachable
}
