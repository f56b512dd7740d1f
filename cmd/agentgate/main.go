package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ideahub-ai/agentgate/internal/app"
	"github.com/ideahub-ai/agentgate/internal/config"
	"github.com/ideahub-ai/agentgate/internal/security"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		os.Exit(1)
	}
}

// run parses flags, loads config, and dispatches the selected command.
// The default command serves the API.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agentgate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "listen port override")
	migrate := fs.Bool("migrate", false, "run database migrations and exit")
	generateKey := fs.Bool("generate-key", false, "print a fresh base64 encryption key and exit")
	rotateKeys := fs.Bool("rotate-keys", false, "re-encrypt stored credentials under the current key and exit")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if *generateKey {
		key, errKey := security.GenerateKey()
		if errKey != nil {
			return errKey
		}
		fmt.Println(key)
		return nil
	}

	config.LoadDotEnv()
	cfg, err := config.Load(config.ResolveConfigPath(*cfgPath))
	if err != nil {
		return err
	}
	if *port != 0 {
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
		cfg.Port = *port
	}

	switch {
	case *migrate:
		if cfg.Database.DSN == "" {
			return config.ErrMissingDatabaseDSN
		}
		if errMigrate := app.Migrate(ctx, cfg); errMigrate != nil {
			return errMigrate
		}
		log.Info("migrations complete")
		return nil
	case *rotateKeys:
		if cfg.Database.DSN == "" {
			return config.ErrMissingDatabaseDSN
		}
		if len(cfg.Encryption.Keys) == 0 {
			return fmt.Errorf("no encryption keys configured (set `encryption.keys` or %s)", config.EnvEncryptionKeys)
		}
		report, errRotate := app.RotateKeys(ctx, cfg)
		fmt.Printf("rotated %d, skipped %d, failed %d\n", report.Rotated, report.Skipped, report.Failed)
		if errRotate != nil {
			return errRotate
		}
		if report.Failed > 0 {
			return fmt.Errorf("rotation failed for %d credential(s)", report.Failed)
		}
		return nil
	default:
		if errValidate := cfg.Validate(); errValidate != nil {
			return errValidate
		}
		return app.RunServer(ctx, cfg)
	}
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
