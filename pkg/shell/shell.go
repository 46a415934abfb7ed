package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// Run executes name with args under a deadline and captures its output.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return RunDir(ctx, timeout, "", name, args...)
}

// RunDir is Run with the working directory set.
func RunDir(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

// Cmd describes one external command for Stream.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // nil inherits the parent environment
	Timeout time.Duration
}

// Stream executes c and forwards each stdout/stderr line to sink as it is
// produced. Lines from the two pipes are interleaved in arrival order. Returns
// the exit code; a deadline hit terminates the process and returns ErrTimeout.
func Stream(ctx context.Context, c Cmd, sink func(line string)) (int, error) {
	cctx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	var mu sync.Mutex
	emit := func(line string) {
		mu.Lock()
		sink(line)
		mu.Unlock()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(stdout, emit, &wg)
	go scanLines(stderr, emit, &wg)
	wg.Wait()

	err = cmd.Wait()
	code := exitCode(err)
	if cctx.Err() == context.DeadlineExceeded {
		return code, ErrTimeout
	}
	return code, err
}

func scanLines(r io.Reader, emit func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scan.Scan() {
		emit(scan.Text())
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
