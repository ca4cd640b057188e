package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/codec"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/library"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/transport"
	"github.com/seantiz/forge/internal/wire"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// engineFlags are the command-line overrides for config.Config.
type engineFlags struct {
	configFile      string
	shellAddr       string
	controlAddr     string
	adminAddr       string
	dbPath          string
	logLevel        string
	engineID        int
	signingKey      string
	bufferThreshold int
	itemThreshold   int
	stopOnError     bool
}

func newRootCmd() *cobra.Command {
	var f engineFlags

	root := &cobra.Command{
		Use:           "forge-engine",
		Short:         "Run a forge execution engine",
		Long:          `forge-engine executes apply and execute requests one at a time against a persistent namespace, with a separate control channel for abort and clear.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&f.configFile, "config", "", "TOML config file")
	flags.StringVar(&f.shellAddr, "shell", "", "shell listen address (tcp://, unix://, vsock://)")
	flags.StringVar(&f.controlAddr, "control", "", "control listen address")
	flags.StringVar(&f.adminAddr, "admin", "", "admin HTTP listen address, empty to disable")
	flags.StringVar(&f.dbPath, "db", "", "task ledger database path")
	flags.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.IntVar(&f.engineID, "engine-id", 0, "integer engine id")
	flags.StringVar(&f.signingKey, "key", "", "HMAC signing key, empty disables signing")
	flags.IntVar(&f.bufferThreshold, "buffer-threshold", 0, "encoded size above which results travel as raw buffers")
	flags.IntVar(&f.itemThreshold, "item-threshold", 0, "largest list or map whose elements are buffered individually")
	flags.BoolVar(&f.stopOnError, "stop-on-error", true, "abort queued requests after a failed execute request by default")

	root.AddCommand(newVersionCmd(), newInfoCmd())
	return root
}

// resolve layers defaults, the config file, the environment and finally any
// flags that were set explicitly.
func (f *engineFlags) resolve(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Load()
	if f.configFile != "" {
		var err error
		cfg, err = config.LoadFile(f.configFile)
		if err != nil {
			return config.Config{}, err
		}
	}

	if flags.Changed("shell") {
		cfg.ShellAddr = f.shellAddr
	}
	if flags.Changed("control") {
		cfg.ControlAddr = f.controlAddr
	}
	if flags.Changed("admin") {
		cfg.AdminAddr = f.adminAddr
	}
	if flags.Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = config.ParseLogLevel(f.logLevel)
	}
	if flags.Changed("engine-id") {
		cfg.EngineID = f.engineID
	}
	if flags.Changed("key") {
		cfg.SigningKey = f.signingKey
	}
	if flags.Changed("buffer-threshold") {
		cfg.BufferThreshold = f.bufferThreshold
	}
	if flags.Changed("item-threshold") {
		cfg.ItemThreshold = f.itemThreshold
	}
	if flags.Changed("stop-on-error") {
		cfg.StopOnError = f.stopOnError
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("forge-engine: starting",
		"version", version,
		"engine_id", cfg.EngineID,
		"shell_addr", cfg.ShellAddr,
		"control_addr", cfg.ControlAddr,
		"admin_addr", cfg.AdminAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(engine.Options{
		EngineID:    cfg.EngineID,
		Ident:       model.NewIdent(),
		Version:     version,
		Session:     wire.NewSession("engine", []byte(cfg.SigningKey)),
		Codec:       codec.New(cfg.BufferThreshold).WithItemThreshold(cfg.ItemThreshold),
		Library:     library.Builtins(),
		Recorder:    db,
		Logger:      logger,
		StopOnError: cfg.StopOnError,
	})

	shellL, err := transport.Listen(cfg.ShellAddr)
	if err != nil {
		return err
	}
	controlL, err := transport.Listen(cfg.ControlAddr)
	if err != nil {
		shellL.Close()
		return err
	}

	srv := transport.NewServer(func(ctx context.Context, ch model.Channel, c *transport.Conn, msg *wire.Message) {
		eng.Handle(ctx, ch, c, msg)
	}, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	wg.Go(func() {
		eng.Run(ctx)
	})
	wg.Go(func() {
		if err := srv.Serve(ctx, model.ChannelShell, shellL); err != nil {
			errCh <- fmt.Errorf("shell listener: %w", err)
		}
	})
	wg.Go(func() {
		if err := srv.Serve(ctx, model.ChannelControl, controlL); err != nil {
			errCh <- fmt.Errorf("control listener: %w", err)
		}
	})
	if cfg.AdminAddr != "" {
		admin := api.NewServer(cfg.AdminAddr, db, eng, logger)
		wg.Go(func() {
			if err := admin.Run(ctx); err != nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("forge-engine: shutting down")
	case runErr = <-errCh:
		logger.Error("forge-engine: fatal error", "error", runErr)
		stop()
	}

	// Closing the broker ends open iopub streams so the admin server can
	// finish its graceful shutdown.
	eng.Close()
	closeErr := srv.Close()
	wg.Wait()

	logger.Info("forge-engine: stopped")
	return errors.Join(runErr, closeErr)
}
