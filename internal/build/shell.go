package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

const defaultWaitDelay = 5 * time.Second

// ShellRunner runs commands with `sh -c` on the host.
type ShellRunner struct {
	// Shell defaults to "sh".
	Shell string
	// WaitDelay bounds how long output is drained after the context is done.
	WaitDelay time.Duration
}

// Run implements Runner. Both output streams are copied to EOF before Run
// returns, so a chatty command never blocks on a full pipe.
func (r ShellRunner) Run(ctx context.Context, command, dir string, onLine LineHandler) (int, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	useProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	stdout := newLineWriter(StreamStdout, onLine)
	stderr := newLineWriter(StreamStderr, onLine)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, fmt.Errorf("command interrupted: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// lineWriter splits a byte stream into lines for a LineHandler.
type lineWriter struct {
	mu     sync.Mutex
	stream string
	onLine LineHandler
	buf    bytes.Buffer
}

func newLineWriter(stream string, onLine LineHandler) *lineWriter {
	return &lineWriter{stream: stream, onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(idx+1), "\r\n"))
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(string(bytes.TrimRight(w.buf.Bytes(), "\r\n")))
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	if w.onLine != nil {
		w.onLine(w.stream, line)
	}
}
