package claude

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
)

// maxLineSize bounds a single NDJSON line from the CLI (10 MiB).
const maxLineSize = 10 << 20

// Stream is the lazy, single-consumer event sequence of one CLI invocation.
// Next reads stdout synchronously, so a slow consumer throttles the child
// through the pipe; parsed events are never buffered beyond the current line.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *tailBuffer
	parser  *lineParser

	byteCap   int64
	bytesRead int64

	pending  []Event
	terminal bool // a terminal ErrorEvent was emitted; only EOF remains

	waitOnce sync.Once
	waitErr  error

	closeOnce sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, byteCap int64) *Stream {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Stream{
		ctx:     ctx,
		cancel:  cancel,
		cmd:     cmd,
		scanner: scanner,
		stderr:  stderr,
		parser:  newLineParser(),
		byteCap: byteCap,
	}
}

// Next returns the next event, or io.EOF once the sequence is exhausted.
// A completion-level failure surfaces as an [ErrorEvent], not as a Go error;
// Next itself only errors on caller cancellation.
func (s *Stream) Next() (Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.terminal {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.bytesRead += int64(len(line)) + 1
		if s.bytesRead > s.byteCap {
			s.cancel()
			s.terminal = true
			return ErrorEvent{Kind: ErrKindSubprocess, Message: "claude CLI output exceeded the stdout byte cap"}, nil
		}

		events, err := s.parser.parseLine(line)
		if err != nil {
			s.cancel()
			s.terminal = true
			return ErrorEvent{Kind: ErrKindParse, Message: err.Error()}, nil
		}
		if len(events) == 0 {
			continue
		}
		s.pending = events[1:]
		return events[0], nil
	}

	// A scanner failure (an over-long line, a read error) is a parser
	// error: kill the child instead of waiting for it to finish writing.
	if err := s.scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.cancel()
		s.terminal = true
		return ErrorEvent{Kind: ErrKindParse, Message: "reading claude CLI stdout: " + err.Error()}, nil
	}

	// stdout is exhausted (EOF or pipe torn down); the exit status decides
	// what the consumer sees.
	return s.finish()
}

func (s *Stream) finish() (Event, error) {
	s.terminal = true
	waitErr := s.wait()

	if err := s.ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return ErrorEvent{Kind: ErrKindTimeout, Message: "claude CLI invocation timed out"}, nil
		}
		return nil, err
	}

	if s.parser.sawEnd {
		// A non-zero exit after a complete result is tolerated; the result
		// already carried the outcome.
		return nil, io.EOF
	}

	if waitErr != nil {
		msg := s.stderr.String()
		if msg == "" {
			msg = waitErr.Error()
		}
		return ErrorEvent{Kind: ErrKindSubprocess, Message: msg}, nil
	}
	return ErrorEvent{Kind: ErrKindParse, Message: "claude CLI exited without emitting a result"}, nil
}

func (s *Stream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close terminates the subprocess if it is still running and reaps it.
// Safe to call multiple times and after EOF.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.wait()
	})
	return nil
}

// tailBuffer is an io.Writer that retains only the last max bytes written.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
