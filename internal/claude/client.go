package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// defaultStdoutCap bounds how much stdout a child may produce before it
	// is killed. 32 MiB.
	defaultStdoutCap = 32 << 20

	// stderrTailSize is how much trailing stderr is retained for error
	// reporting. 4 KiB.
	stderrTailSize = 4 << 10

	// killGrace is the delay between SIGTERM and SIGKILL.
	killGrace = 2 * time.Second
)

// Config configures a [Client].
type Config struct {
	// CLIPath is an explicit path to the claude binary. When empty the
	// resolver searches the known install locations and PATH.
	CLIPath string

	// CWD is the default working directory for subprocesses.
	CWD string

	// StdoutCap overrides the stdout byte cap. 0 means the 32 MiB default.
	StdoutCap int64
}

// VerifyResult reports whether the CLI is usable.
type VerifyResult struct {
	Available bool
	Version   string
	Err       error
}

// Client spawns Claude CLI invocations and exposes their output as a lazy
// sequence of normalized events. One subprocess per Run call; the subprocess
// is exclusively owned by the returned [Stream].
type Client struct {
	resolver *Resolver
	cfg      Config
}

// NewClient creates a client with its own resolver.
func NewClient(cfg Config) *Client {
	if cfg.StdoutCap <= 0 {
		cfg.StdoutCap = defaultStdoutCap
	}
	return &Client{
		resolver: NewResolver(cfg.CLIPath),
		cfg:      cfg,
	}
}

// Resolver exposes the client's resolver for status reporting.
func (c *Client) Resolver() *Resolver { return c.resolver }

// Verify resolves the binary and reports availability and version.
func (c *Client) Verify(ctx context.Context) VerifyResult {
	res, err := c.resolver.Resolve(ctx)
	if err != nil {
		return VerifyResult{Err: err}
	}
	return VerifyResult{Available: true, Version: res.Version}
}

// Run spawns the CLI for one prompt and returns the event stream. The prompt
// is written to the child's stdin, which is then closed. The child is killed
// (SIGTERM, SIGKILL after a 2 s grace) on caller cancellation, on the
// per-invocation timeout, on a stdout parse failure, and when stdout exceeds
// the byte cap. The stream is single-consumer and not restartable; the caller
// must Close it.
func (c *Client) Run(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	res, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	args := buildArgs(opts)
	cmd := exec.CommandContext(runCtx, res.Path, args...)
	cmd.Dir = opts.CWD
	if cmd.Dir == "" {
		cmd.Dir = c.cfg.CWD
	}
	cmd.Env = mergedEnv(opts)

	// Graceful termination: SIGTERM on cancellation, SIGKILL if the child
	// has not exited after the grace period.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
	cmd.WaitDelay = killGrace

	// The prompt is delivered over stdin; exec closes the pipe once the
	// reader is drained and swallows EPIPE if the child exits early.
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr

	if err = cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			// The cached path went stale; drop it so the next request
			// re-resolves.
			c.resolver.Invalidate()
			return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
		}
		return nil, fmt.Errorf("starting claude process: %w", err)
	}

	log.Debugf("claude subprocess started: pid=%d model=%s", cmd.Process.Pid, opts.Model)
	return newStream(runCtx, cancel, cmd, stdout, stderr, c.cfg.StdoutCap), nil
}

// buildArgs constructs the CLI argument list from invocation options.
func buildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format=stream-json",
		"--include-partial-messages",
	}

	if opts.Model != "" {
		args = append(args, "--model="+opts.Model)
	}

	systemPrompt := opts.SystemPrompt
	if opts.ToolInstructions != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += opts.ToolInstructions
	}
	// Always passed: an empty value replaces the CLI's large default prompt.
	args = append(args, "--system-prompt="+systemPrompt)

	if opts.MaxTurns >= 1 {
		args = append(args, "--max-turns="+strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" && opts.PermissionMode != PermissionDefault {
		args = append(args, "--permission-mode="+opts.PermissionMode)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume="+opts.ResumeSessionID)
	}
	return args
}

// mergedEnv overlays the invocation environment (auth variables, thinking
// budget) on the inherited process environment.
func mergedEnv(opts Options) []string {
	env := os.Environ()
	overlay := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		overlay[k] = v
	}
	if opts.MaxThinkingTokens > 0 {
		overlay["MAX_THINKING_TOKENS"] = strconv.Itoa(opts.MaxThinkingTokens)
	}
	if len(overlay) == 0 {
		return env
	}

	out := env[:0]
	for _, kv := range env {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, replaced := overlay[key]; !replaced {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
