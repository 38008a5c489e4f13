package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/amid"
	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultConfigFileName is the daemon YAML file looked up in
// amid.DefaultConfigDir when --config is not given.
const DefaultConfigFileName = "amid.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("AMID_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "amid")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if c, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if c == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		cfgPath = filepath.Join(amid.DefaultConfigDir, DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "amid",
		Short:         "amid is a standalone manager interface daemon speaking the Asterisk AMI protocol",
		SilenceErrors: true,
		Example: `
  # Serve manager.conf from /etc/amid on the ports it names
  amid

  # Development setup with a local config directory and HTTP on 8088
  amid --config-dir ./etc --http-listen 127.0.0.1:8088

  # Override the AMI listener and reload on config edits
  AMID_AMI_LISTEN=127.0.0.1:5038 amid --watch-config
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to amid",
				"app", "amid",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg amid.Config
			bindConfig(&cfg)

			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := amid.NewServer(cfg, amid.WithLogger(logger))
			if err != nil {
				return err
			}
			defer server.Close()

			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to "+filepath.Join(amid.DefaultConfigDir, DefaultConfigFileName)+")")

	flags := cmd.Flags()
	flags.String("config-dir", amid.DefaultConfigDir, "directory holding manager.conf and cli_permissions.conf")
	flags.String("manager-conf", "manager.conf", "manager configuration file name inside --config-dir")
	flags.String("cli-permissions-conf", "cli_permissions.conf", "console permissions file name inside --config-dir")
	flags.Bool("watch-config", false, "reload the manager when its configuration files change")
	flags.String("ami-listen", "", "AMI listen address (overrides bindaddr/port from manager.conf)")
	flags.String("tls-listen", "", "AMI over TLS listen address (overrides sslbindaddr/sslbindport)")
	flags.String("tls-cert", "", "PEM certificate for AMI over TLS (overrides sslcert)")
	flags.String("tls-key", "", "PEM private key for AMI over TLS (overrides sslprivatekey)")
	flags.String("http-listen", amid.DefaultHTTPListen, "HTTP listen address for /rawman, /manager and /mxml (off disables)")
	flags.String("http-prefix", "", "path prefix for the HTTP endpoints")
	flags.Int("max-connections", amid.DefaultMaxConnections, "maximum concurrent AMI connections per listener (negative disables the cap)")
	flags.String("banner", "", "greeting line sent to AMI clients")
	flags.Duration("auth-penalty", 0, "delay after a failed login (0 uses the default, negative disables)")
	flags.String("system-name", "", "system name reported by CoreSettings")
	flags.Int("max-calls", 0, "maximum calls reported by CoreSettings")
	flags.Float64("max-load", 0, "maximum load average reported by CoreSettings")
	flags.Bool("connguard-enabled", true, "block hosts that repeatedly fail to log in")
	flags.Int("connguard-failure-threshold", amid.DefaultGuardFailureThreshold, "failed logins before a host is blocked")
	flags.Duration("connguard-failure-window", amid.DefaultGuardFailureWindow, "window used to count failed logins")
	flags.Duration("connguard-block-duration", amid.DefaultGuardBlockDuration, "time a host stays blocked")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", amid.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("AMID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"config-dir", "manager-conf", "cli-permissions-conf", "watch-config",
		"ami-listen", "tls-listen", "tls-cert", "tls-key", "http-listen", "http-prefix", "max-connections",
		"banner", "auth-penalty", "system-name", "max-calls", "max-load",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"shutdown-timeout", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newClientCommand(svcfields.WithSubsystem(baseLogger, "cli.client")))
	cmd.AddCommand(newConsoleCommand(svcfields.WithSubsystem(baseLogger, "cli.console")))
	return cmd
}

func bindConfig(cfg *amid.Config) {
	cfg.ConfigDir = viper.GetString("config-dir")
	cfg.ConfigName = viper.GetString("manager-conf")
	cfg.CLIPermissionsName = viper.GetString("cli-permissions-conf")
	cfg.WatchConfig = viper.GetBool("watch-config")
	cfg.AMIListen = viper.GetString("ami-listen")
	cfg.TLSListen = viper.GetString("tls-listen")
	cfg.TLSCert = viper.GetString("tls-cert")
	cfg.TLSKey = viper.GetString("tls-key")
	cfg.HTTPListen = viper.GetString("http-listen")
	cfg.HTTPPrefix = viper.GetString("http-prefix")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.Banner = viper.GetString("banner")
	cfg.AuthPenalty = viper.GetDuration("auth-penalty")
	cfg.SystemName = viper.GetString("system-name")
	cfg.MaxCalls = viper.GetInt("max-calls")
	cfg.MaxLoadAvg = viper.GetFloat64("max-load")
	cfg.GuardDisabled = !viper.GetBool("connguard-enabled")
	cfg.GuardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
