package commands

import (
	"context"
	"errors"
	"fmt"
	"omoharvest-backend/cmd/harvest/globals"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/harvest"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	dbPath     *string
	dumpDir    *string
	verbose    *bool
)

// resources is what PersistentPreRunE opened, it is released by teardown
// once the command returned, whether it failed or not.
type resources struct {
	closeLog func() error
	otel     telemetry.Otel
	store    *harvest.Store
}

var opened resources

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "harvest.json5", "The config file, a harvest.local.json5 next to it overrides it. Relative paths are also looked up in the parent directories.")
	dbPath = rootCmd.PersistentFlags().String("db", "", "The sqlite database to persist records to, nothing is persisted when empty.")
	dumpDir = rootCmd.PersistentFlags().String("dump-http", "", "A directory to write every http exchange to, for debugging.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level.")
}

var rootCmd = &cobra.Command{
	Use:           "harvest",
	Short:         "harvest pulls search results out of a Bubble application.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := harvest.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		if *verbose {
			cfg.Log.Level = "debug"
		}
		if *dumpDir != "" {
			cfg.DumpDir = *dumpDir
		}
		opened.closeLog, err = telemetry.SetupSlog(cfg.Log)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		opened.otel, err = telemetry.SetupOtel(cmd.Context(), "harvest", cfg.Otlp)
		if err != nil {
			return fmt.Errorf("setup otel: %w", err)
		}

		if *dbPath != "" {
			opened.store, err = harvest.OpenStore(cmd.Context(), *dbPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
		}

		h, err := harvest.New(cfg, opened.store, telemetry.SlogAPI{})
		if err != nil {
			return err
		}
		cmd.SetContext(globals.Set(cmd.Context(), &globals.Value{
			Config:    h.Config(),
			Harvester: h,
			Store:     opened.store,
		}))
		return nil
	},
}

func teardown(ctx context.Context) error {
	res := opened
	opened = resources{}

	errlist := []error{}
	if res.store != nil {
		err := res.store.Close()
		if err != nil {
			errlist = append(errlist, fmt.Errorf("close db: %w", err))
		}
	}
	// failed runs are still counted, the final export must happen
	err := res.otel.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		errlist = append(errlist, fmt.Errorf("shutdown otel: %w", err))
	}
	if res.closeLog != nil {
		err := res.closeLog()
		if err != nil {
			errlist = append(errlist, fmt.Errorf("close log: %w", err))
		}
	}
	return errors.Join(errlist...)
}

func execute(ctx context.Context, args []string) error {
	if args != nil {
		rootCmd.SetArgs(args)
	}
	err := rootCmd.ExecuteContext(ctx)
	return errors.Join(err, teardown(ctx))
}

// ExecuteContext runs the cli and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	err := execute(ctx, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
