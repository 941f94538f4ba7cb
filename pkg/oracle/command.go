package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/arnavshah/rota-api-go/pkg/procs"
)

// Command runs an external helper: the context goes in on stdin as JSON,
// the proposal comes back on stdout, and stderr lines are progress.
type Command struct {
	Path  string
	Args  []string
	Grace time.Duration
}

func (o *Command) Invoke(ctx context.Context, c Context, events chan<- Event) (*Proposal, error) {
	if o.Path == "" {
		return nil, newError(KindUnavailable, errors.New("no oracle command configured"))
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, newError(KindUnavailable, fmt.Errorf("encoding context: %w", err))
	}

	grace := o.Grace
	reg := procs.FromContext(ctx)
	if reg != nil && grace == 0 {
		grace = reg.Grace()
	}

	cmd := exec.CommandContext(ctx, o.Path, o.Args...)
	procs.Prepare(cmd, grace)
	var stdout bytes.Buffer
	stderr := &lineWriter{emit: func(line string) { emit(ctx, events, EventLog, line) }}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, newError(KindUnavailable, fmt.Errorf("starting %s: %w", o.Path, err))
	}
	if reg != nil {
		if err := reg.Track(cmd); err != nil {
			_ = cmd.Wait()
			return nil, classify(ctx, err)
		}
		defer reg.Untrack(cmd)
	}
	// runs before Untrack so the group is never left untracked and alive
	defer procs.Reap(cmd)

	err = cmd.Wait()
	stderr.flush()
	if ctx.Err() != nil {
		return nil, newError(KindTimeout, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, newError(KindUnavailable, fmt.Errorf("%s exited with code %d: %s",
				o.Path, exitErr.ExitCode(), stderr.tail()))
		}
		return nil, newError(KindUnavailable, err)
	}
	return Parse(stdout.Bytes())
}

// lineWriter splits stderr into lines for progress events and keeps the last one
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	last string
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) line(s string) {
	s = strings.TrimRight(s, "\r")
	if s == "" {
		return
	}
	w.last = s
	w.emit(s)
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
