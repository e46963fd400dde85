package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// killGrace bounds how long Wait blocks on pipes held open by orphaned
// children after the agent process is killed.
const killGrace = 5 * time.Second

// lineParser turns one line of an agent's JSON event stream into output
// chunks and accumulates statistics.
type lineParser interface {
	parse(line []byte) []string
	stats() *Stats
}

// streamCommand runs bin in the workspace, mirrors every stdout line to the
// transcript file and yields the parser's output, then a final Done item.
func streamCommand(ctx context.Context, opts *Options, bin string, args []string, transcript string, p lineParser) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		if err := os.MkdirAll(opts.ArtifactsDir, 0o755); err != nil {
			yield(Progress{}, fmt.Errorf("creating artifacts dir: %w", err))
			return
		}
		tf, err := os.Create(filepath.Join(opts.ArtifactsDir, transcript))
		if err != nil {
			yield(Progress{}, fmt.Errorf("creating transcript: %w", err))
			return
		}
		defer tf.Close()

		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Dir = opts.WorkspaceDir
		cmd.Env = append(os.Environ(), opts.Env...)
		cmd.WaitDelay = killGrace
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Progress{}, fmt.Errorf("creating stdout pipe: %w", err))
			return
		}

		fmt.Fprintf(logWriter(opts), "> %s\n", commandLine(bin, args))
		if err := cmd.Start(); err != nil {
			yield(Progress{}, fmt.Errorf("starting %s: %w", bin, err))
			return
		}

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := sc.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			tf.Write(line)
			tf.Write([]byte("\n"))
			for _, out := range p.parse(line) {
				if !yield(Progress{Output: out}, nil) {
					cmd.Process.Kill()
					cmd.Wait()
					return
				}
			}
		}
		// Drain anything the scanner gave up on so Wait can return.
		io.Copy(io.Discard, stdout)

		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			yield(Progress{}, fmt.Errorf("%s aborted: %w", bin, context.Cause(ctx)))
			return
		}
		code := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				yield(Progress{}, fmt.Errorf("waiting for %s: %w", bin, waitErr))
				return
			}
			code = exitErr.ExitCode()
		}
		if stderr.Len() > 0 {
			if !yield(Progress{Output: stderr.String()}, nil) {
				return
			}
		}
		yield(Progress{Done: true, ExitCode: exitCode(code), Stats: p.stats()}, nil)
	}
}

// runSetup runs a short helper command (such as MCP registration) and
// returns its combined output.
func runSetup(ctx context.Context, opts *Options, bin string, args ...string) (string, int, error) {
	fmt.Fprintf(logWriter(opts), "> %s\n", commandLine(bin, args))
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = opts.WorkspaceDir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.WaitDelay = killGrace
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, err
	}
	return string(out), 0, nil
}

func logWriter(opts *Options) io.Writer {
	if opts.Log == nil {
		return io.Discard
	}
	return opts.Log
}

func commandLine(bin string, args []string) string {
	parts := []string{bin}
	for _, a := range args {
		if strings.ContainsAny(a, " \t\n\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
