package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vspecky/softerview/internal/printer"
	"github.com/vspecky/softerview/internal/protocol"
	"github.com/vspecky/softerview/internal/relay"
	"github.com/vspecky/softerview/internal/relaytest"
)

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevNoColor := printer.Stdout, printer.Stderr, color.NoColor
	printer.Stdout, printer.Stderr, color.NoColor = &out, &errOut, true
	t.Cleanup(func() {
		printer.Stdout, printer.Stderr, color.NoColor = prevOut, prevErr, prevNoColor
	})
	return &out, &errOut
}

func execute(ctx context.Context, args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(ctx)
}

func TestCreatePrintsCode(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()
	stdout, _ := captureOutput(t)

	require.NoError(t, execute(context.Background(), "create", "--relay", srv.URL))
	assert.Contains(t, stdout.String(), "✓ Created session ")
	assert.Contains(t, stdout.String(), "softerview join ")
}

func TestFlagsOverrideEnvAndFile(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()
	captureOutput(t)

	path := filepath.Join(t.TempDir(), "softerview.yml")
	require.NoError(t, os.WriteFile(path, []byte("relay_url: \"http://127.0.0.1:1\"\n"), 0o644))
	t.Setenv("SOFTERVIEW_RELAY_URL", "http://127.0.0.1:2")

	// only the flag points at a live relay
	require.NoError(t, execute(context.Background(), "--config", path, "create", "--relay", srv.URL))
}

func TestInvalidDurationFlag(t *testing.T) {
	_, stderr := captureOutput(t)
	err := execute(context.Background(), "create", "--same-file-timeout", "soon")
	require.Error(t, err)
	assert.Equal(t, "Invalid --same-file-timeout", err.Error())
	assert.Contains(t, stderr.String(), "3s or 250ms")
}

func TestInvalidConfigRejected(t *testing.T) {
	captureOutput(t)
	err := execute(context.Background(), "create", "--relay", "ftp://relay", "--log-level", "info")
	require.Error(t, err)
	assert.Equal(t, "Invalid configuration", err.Error())
}

func TestJoinUnknownSession(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()
	_, stderr := captureOutput(t)

	err := execute(context.Background(), "join", "0123456789abcdef", "--relay", srv.URL, "--no-terminal")
	require.Error(t, err)
	assert.Equal(t, "Session not found", err.Error())
	assert.Contains(t, stderr.String(), "0123456789abcdef")
}

func TestJoinRelayOnly(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()
	srv.AddSession("0123456789abcdef")
	srv.SetFile("README", "hello\n")
	stdout, _ := captureOutput(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, "join", "0123456789abcdef", "--relay", srv.URL,
			"--relay-only", "--no-terminal", "--open", "README", "--log-level", "error")
	}()

	seen := map[protocol.MessageType]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[protocol.TypeRTCMediaReady] || !seen[protocol.TypeRequestFileContents] {
		select {
		case frame := <-srv.Received():
			seen[frame.Envelope.Type] = true
		case err := <-done:
			t.Fatalf("join returned early: %v", err)
		case <-deadline:
			t.Fatalf("relay saw %v", seen)
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("join did not return after cancel")
	}
	assert.Contains(t, stdout.String(), "Joined session 0123456789abcdef")
	assert.Contains(t, stdout.String(), "Detached from 0123456789abcdef")
}

type recordingSink struct {
	inputs     []string
	interrupts int
	err        error
}

func (r *recordingSink) SendInput(input string) error {
	r.inputs = append(r.inputs, input)
	return r.err
}

func (r *recordingSink) SendInterrupt() error {
	r.interrupts++
	return r.err
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func TestPumpInput(t *testing.T) {
	t.Run("forwards input and interrupts", func(t *testing.T) {
		sink := &recordingSink{}
		detached := false
		pumpInput(context.Background(), &chunkReader{chunks: []string{"ls -la\r", "\x03"}}, sink, func() { detached = true }, &recordingLogger{})
		assert.Equal(t, []string{"ls -la\r"}, sink.inputs)
		assert.Equal(t, 1, sink.interrupts)
		assert.False(t, detached, "EOF is not a detach")
	})

	t.Run("detach key stops forwarding", func(t *testing.T) {
		sink := &recordingSink{}
		detached := false
		pumpInput(context.Background(), &chunkReader{chunks: []string{"pwd\x1dexit\r", "never"}}, sink, func() { detached = true }, &recordingLogger{})
		assert.Equal(t, []string{"pwd"}, sink.inputs)
		assert.True(t, detached)
	})

	t.Run("rejected input is logged", func(t *testing.T) {
		sink := &recordingSink{err: relay.ErrSendBufferFull}
		logger := &recordingLogger{}
		pumpInput(context.Background(), &chunkReader{chunks: []string{"make\r", "\x03"}}, sink, func() {}, logger)
		assert.Equal(t, []string{"make\r"}, sink.inputs)
		assert.Equal(t, 1, sink.interrupts)
		require.Len(t, logger.lines, 2)
		assert.Contains(t, logger.lines[0], relay.ErrSendBufferFull.Error())
	})

	t.Run("read error detaches", func(t *testing.T) {
		detached := false
		pumpInput(context.Background(), errReader{}, &recordingSink{}, func() { detached = true }, &recordingLogger{})
		assert.True(t, detached)
	})
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("tty gone") }

func TestParseDurationFlagTrimsSpace(t *testing.T) {
	captureOutput(t)
	d, err := parseDurationFlag("batch-interval", " 250ms ")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = parseDurationFlag("batch-interval", "")
	assert.True(t, strings.HasPrefix(err.Error(), "Invalid --batch-interval"))
}
