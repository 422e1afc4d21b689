// Package encoder owns external encoder processes (typically ffmpeg) that
// receive raw rgb24 frames on stdin.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/facecast/internal/frame"
)

var errProcessExited = errors.New("process has exited")

// Encoder is one live encoder session. All writes to the process's stdin
// happen under mu in the order WriteFrame is called; nothing is written
// once Close has begun.
type Encoder struct {
	opts Options
	cmd  *exec.Cmd

	mu      sync.Mutex
	stdin   io.WriteCloser
	scratch []byte

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	done     chan struct{} // closed after the process is reaped
	waitErr  error
	exitCode int

	stderr *tail
	frames atomic.Int64
}

// Open spawns the encoder process with its stdin connected to the session.
func Open(opts Options) (*Encoder, error) {
	args, err := opts.Args()
	if err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(args[0])
	}
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}

	cmd := exec.Command(args[0], args[1:]...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stderr := newTail(4096)
	cmd.Stderr = stderr
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = logWriter(opts.Name)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Name: opts.Name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: opts.Name, Err: err}
	}

	e := &Encoder{
		opts:     opts,
		cmd:      cmd,
		stdin:    stdin,
		done:     make(chan struct{}),
		exitCode: -1,
		stderr:   stderr,
	}
	go e.wait()

	log.Printf("Encoder %s started (pid %d, %dx%d@%dfps)", opts.Name, cmd.Process.Pid, opts.Width, opts.Height, opts.FPS)
	return e, nil
}

// Name identifies the session in logs.
func (e *Encoder) Name() string { return e.opts.Name }

// Frames returns how many frames were written successfully.
func (e *Encoder) Frames() int64 { return e.frames.Load() }

// WriteFrame pipes one frame into the encoder, converting it to RGB first
// when needed. Concurrent callers are serialized for the whole write.
func (e *Encoder) WriteFrame(f frame.Frame) error {
	if e.closing.Load() {
		return ErrClosed
	}
	if f.Width != e.opts.Width || f.Height != e.opts.Height || len(f.Pix) != e.opts.frameBytes() {
		return fmt.Errorf("%w: frame %d is %dx%d with %d bytes, session is %dx%d",
			ErrFrameGeometry, f.Seq, f.Width, f.Height, len(f.Pix), e.opts.Width, e.opts.Height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing.Load() {
		return ErrClosed
	}
	if !e.IsAlive() {
		return e.writeError(f.Seq, errProcessExited)
	}

	pix := f.ConvertTo(frame.RGB, e.scratch)
	if f.Order != frame.RGB {
		e.scratch = pix
	}
	if _, err := e.stdin.Write(pix); err != nil {
		return e.writeError(f.Seq, err)
	}
	e.frames.Add(1)
	return nil
}

// IsAlive reports whether the process is still running. It never blocks.
func (e *Encoder) IsAlive() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the recorded exit status, or -1 while the process runs
// or when it was killed by a signal.
func (e *Encoder) ExitCode() int {
	select {
	case <-e.done:
		return e.exitCode
	default:
		return -1
	}
}

// Done is closed once the process has exited and been reaped.
func (e *Encoder) Done() <-chan struct{} { return e.done }

// Close finalizes the stream: closing stdin lets the encoder flush and
// write its container trailer, then the process is reaped. If it does not
// exit within CloseTimeout it is killed. The first call returns the exit
// error, if any; later calls return nil.
func (e *Encoder) Close() error {
	first := false
	e.closeOnce.Do(func() {
		first = true
		e.closeErr = e.shutdown()
	})
	if !first {
		return nil
	}
	return e.closeErr
}

func (e *Encoder) shutdown() error {
	e.closing.Store(true)

	// armed before taking the lock so a write stuck on a full pipe cannot
	// hold up teardown forever
	kill := time.AfterFunc(e.opts.CloseTimeout, func() {
		log.Printf("Encoder %s did not exit within %v, killing", e.opts.Name, e.opts.CloseTimeout)
		if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Printf("Encoder %s: kill failed: %v", e.opts.Name, err)
		}
	})
	defer kill.Stop()

	e.mu.Lock()
	err := e.stdin.Close()
	e.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("Encoder %s: close stdin: %v", e.opts.Name, err)
	}

	<-e.done
	log.Printf("Encoder %s stopped after %d frames (exit status %d)", e.opts.Name, e.frames.Load(), e.exitCode)
	return e.exitError()
}

func (e *Encoder) wait() {
	err := e.cmd.Wait()
	if e.cmd.ProcessState != nil {
		e.exitCode = e.cmd.ProcessState.ExitCode()
	}
	e.waitErr = err
	close(e.done)

	if !e.closing.Load() {
		log.Printf("Encoder %s exited unexpectedly (exit status %d)", e.opts.Name, e.exitCode)
	}
}

// writeError builds a WriteError, giving a dying process a moment to be
// reaped so the error carries its exit status.
func (e *Encoder) writeError(seq int, err error) error {
	select {
	case <-e.done:
	case <-time.After(200 * time.Millisecond):
	}
	return &WriteError{
		Name:     e.opts.Name,
		Seq:      seq,
		ExitCode: e.ExitCode(),
		Stderr:   e.stderr.String(),
		Err:      err,
	}
}

func (e *Encoder) exitError() error {
	if e.waitErr == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(e.waitErr, &ee) {
		return &ExitError{Name: e.opts.Name, Code: e.exitCode, Stderr: e.stderr.String(), Err: e.waitErr}
	}
	return fmt.Errorf("encoder %s: wait: %w", e.opts.Name, e.waitErr)
}

// tail keeps the last n bytes written to it.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

type logWriter string

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimSpace(p), []byte("\n")) {
		if len(line) > 0 {
			log.Printf("Encoder %s: %s", string(w), line)
		}
	}
	return len(p), nil
}
