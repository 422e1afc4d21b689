package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/frame"
)

// ExecOptions configures a subprocess engine.
type ExecOptions struct {
	Command     string   // full command line, parsed like a shell would
	Env         []string // extra KEY=VALUE pairs
	Width       int      // frame size the worker must render, passed on setup
	Height      int
	KillTimeout time.Duration
}

// request is one line written to the worker's stdin.
type request struct {
	Type      string  `json:"type"` // setup, chunk, batch
	Seq       int     `json:"seq,omitempty"`
	Source    string  `json:"source,omitempty"`
	NumFrames int     `json:"num_frames,omitempty"`
	FPS       int     `json:"fps,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FadeIn    int     `json:"fade_in,omitempty"`
	FadeOut   int     `json:"fade_out,omitempty"`
	Control   Control `json:"control,omitempty"`
	Samples   []byte  `json:"samples,omitempty"` // f32le, base64 on the wire
}

// reply is one message read from the worker's stdout.
type reply struct {
	Type    string `json:"type"` // frame, error
	Seq     int    `json:"seq"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Order   string `json:"order"`
	Pix     []byte `json:"pix"`
	Message string `json:"message"`
}

// Exec drives an external motion generator over JSON lines. Requests go
// to the worker's stdin; frames come back on stdout and are pushed into
// the sink by a reader goroutine. Anything on stderr is logged.
type Exec struct {
	opts ExecOptions
	args []string
	sink Sink

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	done   chan struct{} // reader finished
	logged chan struct{} // stderr drained
	closed bool

	mu  sync.Mutex
	err error
}

// NewExec parses the command line; the process starts on Setup.
func NewExec(opts ExecOptions, sink Sink) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 10 * time.Second
	}
	return &Exec{opts: opts, args: args, sink: sink}, nil
}

func (e *Exec) Setup(ctx context.Context, s Setup) error {
	if e.cmd != nil {
		return &Failure{Stage: "setup", Err: errors.New("already set up")}
	}
	cmd := exec.Command(e.args[0], e.args[1:]...)
	cmd.Env = append(os.Environ(), e.opts.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Failure{Stage: "setup", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Failure{Stage: "setup", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Failure{Stage: "setup", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &Failure{Stage: "setup", Err: fmt.Errorf("start %s: %w", e.args[0], err)}
	}
	log.Printf("Engine worker started: %s (pid %d)", e.args[0], cmd.Process.Pid)

	e.cmd = cmd
	e.stdin = stdin
	e.enc = json.NewEncoder(stdin)
	e.done = make(chan struct{})
	e.logged = make(chan struct{})
	go e.logStderr(stderr)
	go e.read(ctx, stdout)

	return e.send("setup", 0, request{
		Type:      "setup",
		Source:    s.SourcePath,
		NumFrames: s.NumFrames,
		FPS:       s.FPS,
		Width:     e.opts.Width,
		Height:    e.opts.Height,
		FadeIn:    s.FadeIn,
		FadeOut:   s.FadeOut,
		Control:   s.Control,
	})
}

func (e *Exec) SubmitChunk(ctx context.Context, c audio.Chunk) error {
	return e.send("chunk", c.Index, request{Type: "chunk", Seq: c.Index, Samples: audio.SamplesToBytes(c.Samples)})
}

func (e *Exec) SubmitBatch(ctx context.Context, sig audio.Signal) error {
	return e.send("batch", 0, request{Type: "batch", Samples: audio.SamplesToBytes(sig)})
}

// send writes one request. A worker that already reported an error fails
// the submission with that error instead.
func (e *Exec) send(stage string, seq int, req request) error {
	if e.cmd == nil || e.closed {
		return &Failure{Stage: stage, Seq: seq, Err: errors.New("engine not accepting work")}
	}
	if err := e.failed(); err != nil {
		return err
	}
	if err := e.enc.Encode(req); err != nil {
		if ferr := e.failed(); ferr != nil {
			return ferr
		}
		return &Failure{Stage: stage, Seq: seq, Err: err}
	}
	return nil
}

// Close ends the worker's input and waits for it to flush its frames and
// exit. Flushing may take as long as the sink needs to accept the frames;
// only ctx cuts it short. Once the worker's output ended it gets
// KillTimeout to exit before it is killed.
func (e *Exec) Close(ctx context.Context) error {
	if e.cmd == nil || e.closed {
		return e.failed()
	}
	e.closed = true
	e.stdin.Close()

	// the reader's Push follows the Setup context, so it returns on cancel
	select {
	case <-e.done:
	case <-ctx.Done():
		e.kill()
		<-e.done
	}

	exited := make(chan error, 1)
	go func() {
		<-e.logged
		exited <- e.cmd.Wait()
	}()
	timer := time.NewTimer(e.opts.KillTimeout)
	defer timer.Stop()
	var waitErr error
	select {
	case waitErr = <-exited:
	case <-ctx.Done():
		e.kill()
		waitErr = <-exited
	case <-timer.C:
		log.Printf("Engine worker did not exit within %v of closing its output, killing", e.opts.KillTimeout)
		e.kill()
		waitErr = <-exited
	}

	var errs []error
	if err := e.failed(); err != nil {
		errs = append(errs, err)
	}
	if waitErr != nil {
		errs = append(errs, &Failure{Stage: "close", Err: waitErr})
	}
	return errors.Join(errs...)
}

func (e *Exec) kill() {
	if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("Engine worker kill failed: %v", err)
	}
}

func (e *Exec) failed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Exec) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

// read decodes replies until the worker closes stdout. After the first
// failure it keeps draining so the worker never blocks on a full pipe.
func (e *Exec) read(ctx context.Context, stdout io.Reader) {
	defer close(e.done)
	dec := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var r reply
		if err := dec.Decode(&r); err != nil {
			if !errors.Is(err, io.EOF) {
				e.fail(&Failure{Stage: "output", Err: fmt.Errorf("decode reply: %w", err)})
				io.Copy(io.Discard, stdout)
			}
			return
		}
		if e.failed() != nil {
			continue
		}
		switch r.Type {
		case "frame":
			f, err := r.frame()
			if err == nil {
				err = e.sink.Push(ctx, f)
			}
			if err != nil {
				e.fail(&Failure{Stage: "output", Seq: r.Seq, Err: err})
			}
		case "error":
			e.fail(&Failure{Stage: "chunk", Seq: r.Seq, Err: errors.New(r.Message)})
		default:
			log.Printf("Engine worker sent unknown message type %q", r.Type)
		}
	}
}

func (r reply) frame() (frame.Frame, error) {
	order, err := frame.ParseOrder(r.Order)
	if err != nil {
		return frame.Frame{}, err
	}
	f := frame.Frame{Seq: r.Seq, Width: r.Width, Height: r.Height, Order: order, Pix: r.Pix}
	return f, f.Validate()
}

func (e *Exec) logStderr(r io.Reader) {
	defer close(e.logged)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Printf("[engine] %s", sc.Text())
	}
}
