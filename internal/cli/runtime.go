package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/vakovalskii/ValeDesk-sub000/internal/config"
	"github.com/vakovalskii/ValeDesk-sub000/internal/daemon"
	"github.com/vakovalskii/ValeDesk-sub000/internal/logger"
)

const shutdownTimeout = 30 * time.Second

// loadConfig reads the config file and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// openDaemon builds an unstarted daemon for one-shot commands. Nothing
// polls or listens until Start, so the scheduler only stores tasks here.
// A daemon already serving the data directory owns it exclusively.
func openDaemon(cfg *config.Config) (*daemon.Daemon, func(), error) {
	cfg.ApplyPaths()
	if pid, err := daemon.ReadPID(daemon.PIDFile(cfg.DataDir)); err == nil && daemon.ProcessAlive(pid) {
		return nil, nil, fmt.Errorf("a daemon (pid %d) is serving %s; stop it or use the gateway", pid, cfg.DataDir)
	}
	cfg.Gateway.Enabled = false

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.Stop(ctx); err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Msg("Shutdown finished with errors")
		}
		log.Close()
	}
	return d, closeFn, nil
}

// withDaemon runs fn against a one-shot daemon built from the loaded config.
func withDaemon(fn func(d *daemon.Daemon) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, closeFn, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(d)
}
