package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrNotInstalled is returned when no claude binary can be located through any
// of the known install locations or the search path.
var ErrNotInstalled = errors.New("claude CLI not found; install it from https://docs.anthropic.com/en/docs/claude-code")

// UnresponsiveError is returned when a located binary does not answer the
// --version probe within the probe timeout.
type UnresponsiveError struct {
	Path string
	Err  error
}

func (e *UnresponsiveError) Error() string {
	return fmt.Sprintf("claude CLI at %s did not respond to --version: %v", e.Path, e.Err)
}

func (e *UnresponsiveError) Unwrap() error { return e.Err }

// Resolution records a successful binary lookup.
type Resolution struct {
	Path       string
	Version    string
	ResolvedAt time.Time
}

// Resolver locates the Claude CLI binary and caches the result for the
// process lifetime. Resolution happens lazily on first use; the cache is
// invalidated when an invocation reports a missing binary.
type Resolver struct {
	mu           sync.Mutex
	explicitPath string
	probeTimeout time.Duration
	cached       *Resolution
}

// NewResolver creates a resolver. explicitPath, when non-empty, is tried
// first and exclusively before the platform search.
func NewResolver(explicitPath string) *Resolver {
	return &Resolver{
		explicitPath: explicitPath,
		probeTimeout: 10 * time.Second,
	}
}

// Resolve returns the cached resolution or performs a fresh lookup:
// explicit config path, known per-platform install locations, then the
// system search path. Each candidate is verified with a bounded
// "--version" probe before being cached.
func (r *Resolver) Resolve(ctx context.Context) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return r.cached, nil
	}

	candidates := r.candidates()
	if len(candidates) == 0 {
		return nil, ErrNotInstalled
	}

	var probeErr error
	for _, path := range candidates {
		version, err := r.probe(ctx, path)
		if err != nil {
			var ue *UnresponsiveError
			if errors.As(err, &ue) {
				probeErr = err
			}
			continue
		}
		r.cached = &Resolution{Path: path, Version: version, ResolvedAt: time.Now()}
		log.Debugf("resolved claude CLI: %s (%s)", path, version)
		return r.cached, nil
	}

	if probeErr != nil {
		return nil, probeErr
	}
	return nil, ErrNotInstalled
}

// Invalidate clears the cached resolution. Called when an invocation fails
// because the binary vanished from the recorded path.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// candidates returns the ordered list of paths to try. Only entries that
// exist on disk (or resolve through PATH) are returned.
func (r *Resolver) candidates() []string {
	var out []string

	if r.explicitPath != "" {
		return []string{r.explicitPath}
	}

	home, _ := os.UserHomeDir()
	if home != "" {
		out = append(out,
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
			filepath.Join(home, ".npm-global", "bin", "claude"),
			filepath.Join(home, "node_modules", ".bin", "claude"),
			filepath.Join(home, ".yarn", "bin", "claude"),
		)
	}
	out = append(out,
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	)

	// Under WSL a Windows-side npm install is reachable through /mnt/c.
	if isWSL() {
		matches, _ := filepath.Glob("/mnt/c/Users/*/AppData/Roaming/npm/claude")
		out = append(out, matches...)
	}

	existing := out[:0]
	for _, p := range out {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}

	if path, err := exec.LookPath("claude"); err == nil {
		existing = append(existing, path)
	}
	return existing
}

// probe runs "<path> --version" with a bounded timeout and returns the
// trimmed version string.
func (r *Resolver) probe(ctx context.Context, path string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "--version")
	out, err := cmd.Output()
	if err != nil {
		if probeCtx.Err() != nil {
			return "", &UnresponsiveError{Path: path, Err: probeCtx.Err()}
		}
		return "", fmt.Errorf("version probe failed for %s: %w", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isWSL() bool {
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return true
	}
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}
