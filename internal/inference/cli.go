package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileLocator maps a model name to a local weights file.
type FileLocator interface {
	LocalFile(name string) (string, error)
}

// CLIOpts configures the local CLI fallback.
type CLIOpts struct {
	Binaries []string
	Files    FileLocator
	Timeout  time.Duration // default 120s
}

// cliAttempt runs the first installed CLI binary that has a model file.
type cliAttempt struct {
	binaries []string
	files    FileLocator
	timeout  time.Duration
	runFn    func(ctx context.Context, binary string, args []string) (string, error)
}

func newCLIAttempt(opts CLIOpts) *cliAttempt {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &cliAttempt{
		binaries: opts.Binaries,
		files:    opts.Files,
		timeout:  opts.Timeout,
		runFn:    runCLI,
	}
}

func (a *cliAttempt) Name() string { return BackendCLI }

// Run tries every binary in order. A binary that is missing, has no model
// file to load, fails, or prints nothing is skipped.
func (a *cliAttempt) Run(ctx context.Context, req Request) (string, error) {
	if a.files == nil {
		return "", fmt.Errorf("no model directory configured")
	}
	prompt := req.Prompt()

	var lastErr error
	for _, bin := range a.binaries {
		if _, err := os.Stat(bin); err != nil {
			lastErr = fmt.Errorf("%s: %w", bin, err)
			continue
		}
		path, err := a.files.LocalFile(req.Model)
		if err != nil {
			lastErr = err
			continue
		}

		runCtx, cancel := context.WithTimeout(ctx, a.timeout)
		out, err := a.runFn(runCtx, bin, cliArgs(path, prompt, req.MaxTokens, req.Temperature))
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", bin, err)
			continue
		}
		if out = strings.TrimSpace(out); out != "" {
			return out, nil
		}
		lastErr = fmt.Errorf("%s: empty output", bin)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no CLI binaries configured")
	}
	return "", lastErr
}

// cliArgs builds the argument vector for one CLI invocation.
func cliArgs(modelPath, prompt string, maxTokens int, temperature float64) []string {
	return []string{
		"-m", modelPath,
		"-p", prompt,
		"-n", strconv.Itoa(maxTokens),
		"--temp", strconv.FormatFloat(temperature, 'f', -1, 64),
		"--no-display-prompt",
		"-q",
	}
}

// runCLI executes binary and returns its stdout. The process gets SIGTERM on
// context expiry and is killed if it has not exited shortly after.
func runCLI(ctx context.Context, binary string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("timed out: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return "", fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.String(), nil
}
