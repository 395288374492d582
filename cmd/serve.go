// Copyright © 2024 The ELPS authors

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/luthersystems/dapbridge/debugger"
	"github.com/luthersystems/dapbridge/debugger/dapserver"
	"github.com/luthersystems/dapbridge/debugger/remote"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags]",
	Short: "Serve one DAP client",
	Long: `Serve a single DAP client and bridge it to a remote debuggee.

Transport modes (DAP):
  --port N     Listen for a DAP client on TCP port N (default: 4711)
  --stdio      Use stdin/stdout for DAP communication (for editors that
               launch the debug adapter as a child process)

The debuggee address comes from the attach request's "addressPort"
argument, or from --remote when the request has none.

Examples:
  dapbridge serve                              TCP on port 4711
  dapbridge serve --port 9229                  TCP on port 9229
  dapbridge serve --stdio --log-file dap.log   stdio, logging to a file
  dapbridge serve --source-extensions .cs      Only bind breakpoints in .cs files`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadServeConfig(viper.GetViper())
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	bindServeFlags(serveCmd.Flags(), viper.GetViper())
}

// serveConfig holds the settings of the serve command after flags, the
// environment and the config file have been merged.
type serveConfig struct {
	Port             int
	Stdio            bool
	Remote           string
	ConnectAttempts  int
	ConnectInterval  time.Duration
	RequestTimeout   time.Duration
	BindTimeout      time.Duration
	BindPollInterval time.Duration
	SourceExtensions []string
	LogLevel         string
	LogFile          string
}

// bindServeFlags defines the serve flags on fs and binds each one to the
// viper key of the same name.
func bindServeFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Int("port", 4711, "TCP port for DAP server")
	fs.Bool("stdio", false, "Use stdin/stdout for DAP communication")
	fs.String("remote", "", "Debuggee address used when attach has no addressPort")
	fs.Int("connect-attempts", 10, "Connection attempts before attach fails")
	fs.Duration("connect-interval", 500*time.Millisecond, "Delay between connection attempts")
	fs.Duration("request-timeout", 10*time.Second, "Timeout for requests to the debuggee")
	fs.Duration("bind-timeout", time.Second, "How long setBreakpoints waits for breakpoints to bind")
	fs.Duration("bind-poll-interval", 10*time.Millisecond, "How often setBreakpoints checks for bound breakpoints")
	fs.StringSlice("source-extensions", nil, "File extensions that accept breakpoints (default: all)")
	fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	fs.String("log-file", "", "Write logs to this file instead of stderr")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
}

func loadServeConfig(v *viper.Viper) serveConfig {
	return serveConfig{
		Port:             v.GetInt("port"),
		Stdio:            v.GetBool("stdio"),
		Remote:           v.GetString("remote"),
		ConnectAttempts:  v.GetInt("connect-attempts"),
		ConnectInterval:  v.GetDuration("connect-interval"),
		RequestTimeout:   v.GetDuration("request-timeout"),
		BindTimeout:      v.GetDuration("bind-timeout"),
		BindPollInterval: v.GetDuration("bind-poll-interval"),
		SourceExtensions: v.GetStringSlice("source-extensions"),
		LogLevel:         v.GetString("log-level"),
		LogFile:          v.GetString("log-file"),
	}
}

// newLogger builds the logger for a serve run. Logs never go to stdout,
// which carries DAP in stdio mode.
func newLogger(cfg serveConfig) (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	if cfg.LogFile == "" {
		return log, io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("log file: %w", err)
	}
	log.SetOutput(f)
	return log, f, nil
}

// newServer wires a session to the remote dialer and wraps it in a DAP
// server.
func newServer(cfg serveConfig, log *logrus.Logger) *dapserver.Server {
	entry := logrus.NewEntry(log)
	dialer := remote.Dialer(
		remote.WithLogger(entry),
		remote.WithConnectAttempts(cfg.ConnectAttempts),
		remote.WithConnectInterval(cfg.ConnectInterval),
		remote.WithRequestTimeout(cfg.RequestTimeout),
	)
	session := debugger.New(
		debugger.WithDialer(dialer),
		debugger.WithLogger(entry),
		debugger.WithDefaultTarget(cfg.Remote),
		debugger.WithRequestTimeout(cfg.RequestTimeout),
		debugger.WithBindTimeout(cfg.BindTimeout),
		debugger.WithBindPollInterval(cfg.BindPollInterval),
		debugger.WithSourceExtensions(cfg.SourceExtensions...),
	)
	return dapserver.New(session, dapserver.WithLogger(entry))
}

func runServe(cfg serveConfig) error {
	log, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck

	srv := newServer(cfg, log)
	if cfg.Stdio {
		log.Info("DAP server: using stdio transport")
		return srv.ServeStdio(os.Stdin, os.Stdout)
	}
	addr := fmt.Sprintf("localhost:%d", cfg.Port)
	log.WithField("addr", addr).Info("DAP server listening, waiting for client")
	if err := srv.ServeTCP(addr); err != nil {
		return fmt.Errorf("dap server: %w", err)
	}
	return nil
}
