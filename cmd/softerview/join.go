package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vspecky/softerview/internal/config"
	"github.com/vspecky/softerview/internal/fstree"
	"github.com/vspecky/softerview/internal/mount"
	"github.com/vspecky/softerview/internal/outbox"
	"github.com/vspecky/softerview/internal/peer"
	"github.com/vspecky/softerview/internal/printer"
	"github.com/vspecky/softerview/internal/relay"
	"github.com/vspecky/softerview/internal/session"
)

// detachKey is Ctrl-]; everything else typed is forwarded to the shell.
const detachKey = 0x1d

type joinOptions struct {
	configPath string
	mountDir   string
	openKey    string
	relayOnly  bool
	noTerminal bool
	mountDebug bool
}

func newJoinCmd(flags *globalFlags) *cobra.Command {
	var opts joinOptions
	cmd := &cobra.Command{
		Use:   "join <code>",
		Short: "Join a session: share its terminal and mount its files",
		Long: `Join connects to the relay, attaches to the shared shell and keeps a live
replica of the session's files. With --mount the replica is served read-only
through FUSE. Press Ctrl-] to detach.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			opts.configPath = flags.configPath
			return runJoin(cmd, cfg, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.mountDir, "mount", "", "serve the session files read-only at this directory")
	f.StringVar(&opts.openKey, "open", "", "open this file for collaborative editing after joining")
	f.BoolVar(&opts.relayOnly, "relay-only", false, "skip the peer connection and fetch every file from the relay")
	f.BoolVar(&opts.noTerminal, "no-terminal", false, "do not forward stdin to the shared shell")
	f.BoolVar(&opts.mountDebug, "mount-debug", false, "log FUSE requests")
	return cmd
}

func runJoin(cmd *cobra.Command, cfg *config.Config, code string, opts joinOptions) error {
	logger := newLogger(os.Stderr, cfg.LogLevel)
	debug := debugLogger{logger}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := newRelayClient(cfg)
	if err := client.CheckSession(ctx, code); err != nil {
		return sessionError(err, code, cfg)
	}
	conn, err := client.Connect(ctx, code, relay.ConnOptions{Logger: debug})
	if err != nil {
		return sessionError(err, code, cfg)
	}
	defer conn.Close()

	queue, err := buildOutbox(cfg, code)
	if err != nil {
		return printer.ErrorWithContext("Could not open outbox", err.Error(),
			map[string]string{"DSN": cfg.Outbox.DSN}, nil)
	}
	defer queue.Close()
	filter, err := fstree.NewPathFilter(cfg.PrefixPattern)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Options{
		Relay:       conn,
		RelayIn:     conn.Messages(),
		DisablePeer: opts.relayOnly,
		PeerOptions: peer.Options{
			ICEServers:    cfg.ICEServers,
			DataChannelID: uint16(cfg.DataChannelID),
			Logger:        debug,
		},
		Outbox:          queue,
		PathFilter:      filter,
		SameFileTimeout: cfg.SameFileTimeout,
		BatchInterval:   cfg.BatchInterval,
		Editor:          documentLog{logger},
		Terminal:        writerTerminal{os.Stdout},
		Logger:          debug,
	})
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	printer.Success("Joined session %s\n", code)

	if opts.mountDir != "" {
		server, err := mount.Mount(opts.mountDir, sess, mount.Options{Debug: opts.mountDebug})
		if err != nil {
			cancel()
			<-sess.Done()
			return printer.ErrorWithContext("Mount failed", err.Error(),
				map[string]string{"Directory": opts.mountDir},
				[]string{"Check that FUSE is installed and the directory exists"})
		}
		defer func() {
			if err := server.Unmount(); err != nil {
				logger.Warn("unmount failed", "dir", opts.mountDir, "err", err)
			}
		}()
		logger.Info("files mounted", "dir", opts.mountDir)
	}

	if opts.openKey != "" {
		if err := sess.Open(opts.openKey); err != nil {
			logger.Error("open failed", "key", opts.openKey, "err", err)
		}
	}

	if opts.configPath != "" {
		go func() {
			err := config.Watch(ctx, opts.configPath, debug, func(next *config.Config) {
				sess.SetTimings(next.SameFileTimeout, next.BatchInterval)
				logger.Info("config reloaded", "same_file_timeout", next.SameFileTimeout, "batch_interval", next.BatchInterval)
			})
			if err != nil {
				logger.Warn("config watch stopped", "err", err)
			}
		}()
	}

	if !opts.noTerminal {
		restore, err := forwardInput(ctx, os.Stdin, sess, cancel, debug)
		if err != nil {
			logger.Warn("terminal passthrough disabled", "err", err)
		} else {
			defer restore()
		}
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		if err := conn.Err(); err != nil && !errors.Is(err, relay.ErrClosed) {
			logger.Error("relay connection lost", "err", err)
		}
	case <-sess.Done():
	}
	cancel()
	err = <-runErr
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrRelayClosed) {
		return err
	}
	fmt.Fprintln(os.Stderr)
	printer.Step("Detached from %s\n", code)
	return nil
}

func buildOutbox(cfg *config.Config, code string) (outbox.Queue, error) {
	if cfg.Outbox.DSN == "" {
		return outbox.NewInMemoryQueue(cfg.Outbox.Capacity), nil
	}
	dsn, err := outbox.WithQueueKey(cfg.Outbox.DSN, code)
	if err != nil {
		return nil, err
	}
	return outbox.BuildFromDSN(dsn, cfg.Outbox.Capacity)
}

type inputSink interface {
	SendInput(input string) error
	SendInterrupt() error
}

// forwardInput puts the terminal in raw mode and copies keystrokes to the
// shared shell until the detach key is pressed. The returned func restores the
// terminal.
func forwardInput(ctx context.Context, in *os.File, sink inputSink, detach func(), logger session.Logger) (func(), error) {
	fd := int(in.Fd())
	restore := func() {}
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, err
		}
		restore = func() { _ = term.Restore(fd, state) }
	}
	go pumpInput(ctx, in, sink, detach, logger)
	return restore, nil
}

// pumpInput forwards what r yields. Keystrokes the session cannot take are
// logged and dropped, never retried.
func pumpInput(ctx context.Context, r io.Reader, sink inputSink, detach func(), logger session.Logger) {
	report := func(err error) {
		if err != nil {
			logger.Printf("dropping terminal input: %v", err)
		}
	}
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					report(sink.SendInput(string(chunk[:i])))
				}
				detach()
				return
			}
			if n == 1 && chunk[0] == 0x03 {
				report(sink.SendInterrupt())
			} else {
				report(sink.SendInput(string(chunk)))
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			detach()
			return
		}
	}
}

type writerTerminal struct {
	w io.Writer
}

func (t writerTerminal) Write(output string) {
	_, _ = io.WriteString(t.w, output)
}

// documentLog stands in for an editor: it reports what the open document looks
// like after each change.
type documentLog struct {
	logger *log.Logger
}

func (d documentLog) Render(key, text string) {
	d.logger.Debug("document updated", "key", key, "bytes", len(text))
}
