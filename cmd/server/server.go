package server

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/caesium-cloud/fleetline/api"
	"github.com/caesium-cloud/fleetline/internal/callback"
	"github.com/caesium-cloud/fleetline/internal/event"
	"github.com/caesium-cloud/fleetline/internal/logstore"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/internal/retention"
	"github.com/caesium-cloud/fleetline/internal/secrets"
	"github.com/caesium-cloud/fleetline/pkg/db"
	"github.com/caesium-cloud/fleetline/pkg/env"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	usage   = "server"
	short   = "Start a fleetline server"
	long    = "This command starts the fleetline job queue and result API"
	example = "fleetline server"
)

var (
	// Cmd is the server command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s", "start"},
		SuggestFor: []string{"launch", "boot", "up", "serve"},
		Example:    example,
		RunE:       start,
	}
)

func start(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dumpStacks(ctx)

	gdb, err := db.Open()
	if err != nil {
		return err
	}

	log.Info("migrating database")
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	metrics.Register()

	vars := env.Variables()
	opts, err := secretOptions(vars, gdb)
	if err != nil {
		return err
	}

	var (
		bus  = event.New()
		jobs = queue.NewStore(gdb, opts...)
		logs = logstore.NewStore(gdb)
	)

	sweeper, err := retention.New(jobs, logs, vars.RetentionTTL, vars.RetentionSchedule)
	if err != nil {
		return errors.Wrap(err, "invalid retention schedule")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("spinning up api")
		return api.Start(ctx, api.Dependencies{Jobs: jobs, Logs: logs, Bus: bus}, vars.Port)
	})

	g.Go(func() error {
		log.Info("launching status webhook dispatcher")
		return callback.NewDispatcher(jobs).Run(ctx, bus)
	})

	g.Go(func() error {
		log.Info("launching retention sweeper", "ttl", vars.RetentionTTL, "schedule", vars.RetentionSchedule)
		return sweeper.Run(ctx)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func secretOptions(vars env.Environment, gdb *gorm.DB) ([]queue.Option, error) {
	switch vars.SecretsProvider {
	case "vault":
		store, err := secrets.NewVaultStore(secrets.VaultConfig{
			Address:   vars.VaultAddress,
			Token:     vars.VaultToken,
			Namespace: vars.VaultNamespace,
			Mount:     vars.VaultMount,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to configure vault")
		}
		return []queue.Option{queue.WithSecrets(store)}, nil
	case "database", "":
		return []queue.Option{queue.WithSecrets(secrets.NewDatabaseStore(gdb))}, nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Errorf("unsupported secrets provider: %q", vars.SecretsProvider)
	}
}

func dumpStacks(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			log.Info("dumping stack traces due to SIGUSR1 signal")
			if profile := pprof.Lookup("goroutine"); profile != nil {
				if err := profile.WriteTo(os.Stdout, 1); err != nil {
					log.Error("write goroutine profile", "error", err)
				}
			}
		}
	}
}
