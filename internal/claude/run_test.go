package claude

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeCLI installs a shell script standing in for the claude binary.
func writeFakeCLI(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"1.0.80 (Claude Code)\"; exit 0; fi\ncat >/dev/null\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func collectEvents(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestRunHappyPath(t *testing.T) {
	path := writeFakeCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"s1"}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}'
echo '{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"}}}'
echo '{"type":"result","subtype":"success","is_error":false,"usage":{"input_tokens":3,"output_tokens":2}}'
`)
	c := NewClient(Config{CLIPath: path})

	stream, err := c.Run(context.Background(), "[user]: hi", Options{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	events := collectEvents(t, stream)
	require.Equal(t, []Event{
		TextDelta{Text: "Hello"},
		UsageEvent{PromptTokens: 3, CompletionTokens: 2},
		End{Reason: EndStop},
	}, events)
}

func TestRunSubprocessFailureCarriesStderr(t *testing.T) {
	path := writeFakeCLI(t, `
echo "fatal: not logged in" >&2
exit 3
`)
	c := NewClient(Config{CLIPath: path})

	stream, err := c.Run(context.Background(), "hi", Options{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	require.NoError(t, err)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, ErrKindSubprocess, errEv.Kind)
	assert.Contains(t, errEv.Message, "not logged in")

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRunCleanExitWithoutResultIsParseError(t *testing.T) {
	path := writeFakeCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"s1"}'
exit 0
`)
	c := NewClient(Config{CLIPath: path})

	stream, err := c.Run(context.Background(), "hi", Options{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	require.NoError(t, err)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, ErrKindParse, errEv.Kind)
}

func TestRunMalformedStdoutIsParseError(t *testing.T) {
	path := writeFakeCLI(t, `
echo 'this is not json'
sleep 5
`)
	c := NewClient(Config{CLIPath: path})

	stream, err := c.Run(context.Background(), "hi", Options{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	require.NoError(t, err)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, ErrKindParse, errEv.Kind)
}

func TestRunOversizedLineIsPromptParseError(t *testing.T) {
	// A single line over the scanner cap must fail as a parse error right
	// away, not ride out the invocation timeout while the child keeps
	// writing into a full pipe.
	path := writeFakeCLI(t, `
head -c 11000000 /dev/zero | tr '\0' x
sleep 30
`)
	c := NewClient(Config{CLIPath: path})

	stream, err := c.Run(context.Background(), "hi", Options{Timeout: 30 * time.Second})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	start := time.Now()
	ev, err := stream.Next()
	require.NoError(t, err)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, ErrKindParse, errEv.Kind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCancellationKillsChildPromptly(t *testing.T) {
	path := writeFakeCLI(t, `
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}}'
trap 'exit 143' TERM
sleep 30 &
wait $!
`)
	c := NewClient(Config{CLIPath: path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := c.Run(ctx, "hi", Options{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, TextDelta{Text: "partial"}, ev)

	cancel()
	start := time.Now()
	_, err = stream.Next()
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, stream.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunTimeout(t *testing.T) {
	path := writeFakeCLI(t, `
sleep 10
`)
	c := NewClient(Config{CLIPath: path})

	start := time.Now()
	stream, err := c.Run(context.Background(), "hi", Options{Timeout: 150 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	require.NoError(t, err)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, ErrKindTimeout, errEv.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunNonZeroExitAfterResultTolerated(t *testing.T) {
	path := writeFakeCLI(t, `
echo '{"type":"result","subtype":"success","is_error":false,"usage":{"input_tokens":1,"output_tokens":1}}'
exit 1
`)
	c := NewClient(Config{CLIPath: path})

	stream, err := c.Run(context.Background(), "hi", Options{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, End{Reason: EndStop}, events[1])
}

func TestResolverExplicitPath(t *testing.T) {
	path := writeFakeCLI(t, "exit 0\n")
	r := NewResolver(path)

	res, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, "1.0.80 (Claude Code)", res.Version)

	// Second call is served from cache.
	again, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Same(t, res, again)
}

func TestResolverMissingExplicitPath(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "nope"))
	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotInstalled))
}

func TestResolverInvalidate(t *testing.T) {
	path := writeFakeCLI(t, "exit 0\n")
	r := NewResolver(path)

	_, err := r.Resolve(context.Background())
	require.NoError(t, err)

	r.Invalidate()
	require.NoError(t, os.Remove(path))

	_, err = r.Resolve(context.Background())
	require.Error(t, err)
}
