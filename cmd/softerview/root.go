package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/vspecky/softerview/internal/config"
	"github.com/vspecky/softerview/internal/printer"
	"github.com/vspecky/softerview/internal/relay"
)

type globalFlags struct {
	configPath      string
	relayURL        string
	logLevel        string
	sameFileTimeout string
	batchInterval   string
	outboxDSN       string
	iceServers      []string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "softerview",
		Short: "Collaborative remote coding sessions from the terminal",
		Long: `softerview joins a shared coding session through a relay. The relay runs
the shell and owns the files; participants share a terminal, a live view of
the filesystem, and a collaboratively edited document that is synchronized
directly between the two peers.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", os.Getenv("SOFTERVIEW_CONFIG"), "path to a YAML config file")
	pf.StringVar(&flags.relayURL, "relay", "", "relay base URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.sameFileTimeout, "same-file-timeout", "", "how long to wait for the peer before fetching from the relay")
	pf.StringVar(&flags.batchInterval, "batch-interval", "", "coalesce outgoing edits for this long (0 sends each edit)")
	pf.StringVar(&flags.outboxDSN, "outbox", "", "outbox backend DSN (memory://, bolt://, redis://, postgres://, or a file path)")
	pf.StringSliceVar(&flags.iceServers, "ice-server", nil, "STUN/TURN server URL, repeatable")

	root.AddCommand(newCreateCmd(flags), newJoinCmd(flags))
	return root
}

// loadConfig layers the config file, SOFTERVIEW_* variables and flags, in
// that order.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, printer.ErrorWithContext("Could not load configuration", err.Error(),
			map[string]string{"Config": flags.configPath}, nil)
	}
	cfg.ApplyEnv(stderrLogger{})

	changed := cmd.Flags().Changed
	if changed("relay") {
		cfg.RelayURL = flags.relayURL
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("outbox") {
		cfg.Outbox.DSN = flags.outboxDSN
	}
	if changed("ice-server") {
		cfg.ICEServers = flags.iceServers
	}
	if changed("same-file-timeout") {
		if cfg.SameFileTimeout, err = parseDurationFlag("same-file-timeout", flags.sameFileTimeout); err != nil {
			return nil, err
		}
	}
	if changed("batch-interval") {
		if cfg.BatchInterval, err = parseDurationFlag("batch-interval", flags.batchInterval); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("Invalid configuration", err.Error(), nil)
	}
	return cfg, nil
}

func parseDurationFlag(name, raw string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, printer.Error("Invalid --"+name, err.Error(), []string{"Use a Go duration such as 3s or 250ms"})
	}
	return value, nil
}

func newLogger(w io.Writer, level string) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "softerview",
		ReportTimestamp: true,
	})
}

// debugLogger routes the Printf chatter of internal packages to debug level.
type debugLogger struct {
	*log.Logger
}

func (l debugLogger) Printf(format string, args ...any) {
	l.Debugf(format, args...)
}

type stderrLogger struct{}

func (stderrLogger) Printf(format string, args ...any) {
	printer.Warning(format+"\n", args...)
}

func newRelayClient(cfg *config.Config) *relay.HTTPClient {
	return relay.NewHTTPClient(cfg.RelayURL, &http.Client{Timeout: cfg.HTTPTimeout})
}

func sessionError(err error, code string, cfg *config.Config) error {
	if errors.Is(err, relay.ErrSessionInvalid) {
		return printer.ErrorWithContext("Session not found",
			"The relay does not recognise this session code, or the session has ended.",
			map[string]string{"Code": code, "Relay": cfg.RelayURL},
			[]string{"Check the code with the person who shared it", "Start a new session: softerview create --join"})
	}
	return printer.ErrorWithContext("Relay unreachable", err.Error(),
		map[string]string{"Relay": cfg.RelayURL},
		[]string{"Check that the relay is running and --relay points at it"})
}
