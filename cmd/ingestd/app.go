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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/ingestd"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("INGESTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "ingestd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg ingestd.Config

	cmd := &cobra.Command{
		Use:           "ingestd",
		Short:         "ingestd is a single-binary HTTP event collector with indexer acknowledgement tracking",
		SilenceErrors: true,
		Example: `
  # In-memory store (tests/dev only)
  ingestd --store mem://

  # Fsync-backed disk store rooted at /var/lib/ingestd
  ingestd --store disk:///var/lib/ingestd

  # Disable acknowledgement tracking entirely
  INGESTD_STORE=disk:///var/lib/ingestd ingestd --disable-acks

  # Expose Prometheus metrics and export traces over OTLP
  ingestd --metrics-listen :9429 --otlp-endpoint grpc://localhost:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to ingestd",
				"app", "ingestd",
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

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			shutdownTimeout := viper.GetDuration("shutdown-timeout")
			if shutdownTimeout <= 0 {
				shutdownTimeout = ingestd.DefaultShutdownTimeout
			}

			server, err := ingestd.NewServer(cfg, ingestd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.ingestd/"+ingestd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", ingestd.DefaultListen, "listen address")
	flags.String("listen-proto", ingestd.DefaultListenProto, "listen network (tcp or unix)")
	flags.String("metrics-listen", ingestd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", ingestd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("store", "", "event store URL (mem://, disk:///path)")
	flags.Bool("disable-acks", false, "disable indexer acknowledgement tracking")
	flags.Int64("max-pending-acks", ingestd.DefaultMaxPendingAcks, "max outstanding acknowledgement ids across all channels (0 or negative = unbounded)")
	flags.Int64("max-pending-acks-per-channel", ingestd.DefaultMaxPendingAcksPerChannel, "max outstanding acknowledgement ids per channel (0 or negative = unbounded)")
	flags.Int64("max-ack-channels", ingestd.DefaultMaxNumberOfAckChannels, "max concurrently tracked acknowledgement channels (0 or negative = unbounded)")
	flags.Duration("max-idle-time", ingestd.DefaultMaxIdleTime, "idle time before a channel and its acknowledgement state are dropped")
	flags.Bool("ack-idle-cleanup", false, "reap idle acknowledgement channels in the background")
	flags.Int("max-channel-id-length", ingestd.DefaultMaxChannelIDLength, "maximum accepted channel identifier length")
	jsonMaxDefault := humanizeBytes(ingestd.DefaultJSONMaxBytes)
	diskSegmentDefault := humanizeBytes(ingestd.DefaultDiskSegmentBytes)
	flags.String("json-max", jsonMaxDefault, "maximum request body size")
	flags.String("disk-segment-size", diskSegmentDefault, "maximum disk store segment size before roll")
	flags.Duration("disk-sync-interval", ingestd.DefaultDiskSyncInterval, "maximum time accepted batches wait for fsync on the disk store")
	flags.Duration("shutdown-timeout", ingestd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable per-request tracing spans")
	flags.String("log-level", "", "log level (trace, debug, info, notice, warning, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("INGESTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "store",
		"disable-acks", "max-pending-acks", "max-pending-acks-per-channel", "max-ack-channels",
		"max-idle-time", "ack-idle-cleanup", "max-channel-id-length",
		"json-max", "disk-segment-size", "disk-sync-interval",
		"shutdown-timeout", "otlp-endpoint", "disable-http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *ingestd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Store = viper.GetString("store")
	cfg.DisableAcks = viper.GetBool("disable-acks")
	cfg.MaxPendingAcks = viper.GetInt64("max-pending-acks")
	cfg.MaxPendingAcksPerChannel = viper.GetInt64("max-pending-acks-per-channel")
	cfg.MaxNumberOfAckChannels = viper.GetInt64("max-ack-channels")
	cfg.MaxIdleTime = viper.GetDuration("max-idle-time")
	cfg.AckIdleCleanup = viper.GetBool("ack-idle-cleanup")
	cfg.MaxChannelIDLength = viper.GetInt("max-channel-id-length")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	if segment := viper.GetString("disk-segment-size"); segment != "" {
		size, err := humanize.ParseBytes(segment)
		if err != nil {
			return fmt.Errorf("parse disk-segment-size: %w", err)
		}
		cfg.DiskSegmentBytes = int64(size)
	}
	cfg.DiskSyncInterval = viper.GetDuration("disk-sync-interval")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := ingestd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, ingestd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
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
