// Package subprocess implements worker.Worker over a child process's
// stdio, framed as newline-delimited JSON messages using a tagged
// {type, payload} envelope, adapted from a length-prefixed binary vsock
// framing scheme to a portable stdio pipe, since this kernel has no
// microVM host to assume. Process-group signal handling uses
// golang.org/x/sys/unix, the same dependency a guest agent would use for
// low-level OS control, applied here to the host side instead. The
// child's stderr is captured separately from the stdout protocol stream
// and flushed to logging's vat output store after each delivery, for
// operator debugging around a crank fault.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/worker"
)

// Message types in the stdio protocol, mirroring the vsock envelope's
// tagged-union shape.
const (
	msgTypeLaunch   = "launch"
	msgTypeDeliver  = "deliver"
	msgTypeOutcome  = "outcome"
	msgTypeSyscall  = "syscall"
	msgTypeReply    = "reply"
	msgTypePing     = "ping"
	msgTypePong     = "pong"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Worker drives a vat image running as a child process, exchanging
// newline-delimited JSON envelopes over its stdin/stdout.
type Worker struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	enc      *json.Encoder
	dec      *bufio.Scanner
	vatID    string
	command  []string
	deliverN int

	stderrMu  sync.Mutex
	stderrBuf []byte
}

// New constructs a subprocess worker that will exec command when
// Launch is called.
func New(command []string) *Worker {
	return &Worker{command: command}
}

func (w *Worker) Launch(ctx context.Context, vatID string, bundle []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.command) == 0 {
		return fmt.Errorf("subprocess: no command configured for vat %q", vatID)
	}
	cmd := exec.CommandContext(ctx, w.command[0], w.command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("subprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("subprocess: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("subprocess: start vat %q: %w", vatID, err)
	}

	w.cmd = cmd
	w.enc = json.NewEncoder(stdin)
	w.dec = bufio.NewScanner(stdout)
	w.dec.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	w.vatID = vatID
	go w.pumpStderr(stderr)

	return w.send(msgTypeLaunch, bundle)
}

// stderrCaptureLimit bounds how much of a vat's stderr is retained between
// deliveries, so a chatty or looping vat cannot grow the buffer unbounded.
const stderrCaptureLimit = 64 * 1024

// pumpStderr drains the child's stderr into a bounded buffer, outside the
// JSON protocol running on stdout/stdin. Its contents are flushed to
// logging's vat output store after each Deliver call so an operator can
// inspect what a vat printed around a crank fault.
func (w *Worker) pumpStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.stderrMu.Lock()
			w.stderrBuf = append(w.stderrBuf, buf[:n]...)
			if len(w.stderrBuf) > stderrCaptureLimit {
				w.stderrBuf = w.stderrBuf[len(w.stderrBuf)-stderrCaptureLimit:]
			}
			w.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// drainStderr returns and clears everything captured since the last call.
func (w *Worker) drainStderr() string {
	w.stderrMu.Lock()
	defer w.stderrMu.Unlock()
	s := string(w.stderrBuf)
	w.stderrBuf = nil
	return s
}

func (w *Worker) send(msgType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("subprocess: encode %s: %w", msgType, err)
	}
	return w.enc.Encode(envelope{Type: msgType, Payload: payload})
}

func (w *Worker) recv() (envelope, error) {
	if !w.dec.Scan() {
		if err := w.dec.Err(); err != nil {
			return envelope{}, fmt.Errorf("subprocess: read: %w", err)
		}
		return envelope{}, fmt.Errorf("subprocess: vat %q stream closed", w.vatID)
	}
	var env envelope
	if err := json.Unmarshal(w.dec.Bytes(), &env); err != nil {
		return envelope{}, fmt.Errorf("subprocess: decode frame: %w", err)
	}
	return env, nil
}

// Deliver sends d to the child and pumps envelopes until an outcome
// frame arrives, translating each interleaved syscall frame onto
// syscalls and replying synchronously for the vatstore read syscalls
// that need an answer before the worker can proceed.
func (w *Worker) Deliver(_ context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.deliverN++
	requestID := w.vatID + "-" + strconv.Itoa(w.deliverN)

	if err := w.send(msgTypeDeliver, d); err != nil {
		return worker.Outcome{}, err
	}

	for {
		env, err := w.recv()
		if err != nil {
			logging.GetOutputStore().Store(requestID, w.vatID, "", w.drainStderr())
			return worker.Outcome{}, err
		}
		switch env.Type {
		case msgTypeOutcome:
			var out worker.Outcome
			if err := json.Unmarshal(env.Payload, &out); err != nil {
				logging.GetOutputStore().Store(requestID, w.vatID, "", w.drainStderr())
				return worker.Outcome{}, fmt.Errorf("subprocess: decode outcome: %w", err)
			}
			logging.GetOutputStore().Store(requestID, w.vatID, "", w.drainStderr())
			return out, nil
		case msgTypeSyscall:
			var sc worker.Syscall
			if err := json.Unmarshal(env.Payload, &sc); err != nil {
				return worker.Outcome{}, fmt.Errorf("subprocess: decode syscall: %w", err)
			}
			reply := make(chan worker.VatstoreReply, 1)
			sc.ReplyVatstore = reply
			syscalls <- sc
			if sc.Kind == worker.SyscallVatstoreGet || sc.Kind == worker.SyscallVatstoreNextKey {
				r := <-reply
				if err := w.send(msgTypeReply, r); err != nil {
					return worker.Outcome{}, err
				}
			}
		default:
			return worker.Outcome{}, fmt.Errorf("subprocess: unexpected frame type %q", env.Type)
		}
	}
}

func (w *Worker) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.send(msgTypePing, nil); err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env, err := w.recv()
		if err != nil {
			return err
		}
		if env.Type == msgTypePong {
			return nil
		}
	}
	return fmt.Errorf("subprocess: vat %q ping timeout", w.vatID)
}

// Terminate signals the child's entire process group so a vat that
// spawned its own children does not leak them, then waits for exit.
func (w *Worker) Terminate(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(w.cmd.Process.Pid)
	if err == nil {
		_ = unix.Kill(-pgid, unix.SIGTERM)
	} else {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
	return nil
}
