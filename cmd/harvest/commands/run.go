package commands

import (
	"omoharvest-backend/cmd/harvest/globals"
	"omoharvest-backend/cmd/harvest/utils"
	"omoharvest-backend/internal/harvest"
	"os"

	"github.com/spf13/cobra"
)

const passwordEnv = "HARVEST_PASSWORD"

var runOpts harvest.Options

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runOpts.Email, "email", "", "The account email.")
	flags.StringVar(&runOpts.Password, "password", "", "The account password, defaults to $"+passwordEnv+".")
	flags.IntVar(&runOpts.MaxPages, "max-pages", 0, "The max pages to fetch (per day with --from/--to), 0 means no limit.")
	flags.StringVar(&runOpts.Output, "output", harvest.OutputJSON, "The output format, json or csv.")
	flags.StringVar(&runOpts.Out, "out", "", "The output file, stdout when empty.")
	flags.StringVar(&runOpts.From, "from", "", "The first day to harvest (YYYY-MM-DD), requires --to.")
	flags.StringVar(&runOpts.To, "to", "", "The last day to harvest (YYYY-MM-DD), inclusive.")
	runCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(runCmd)
}

// resolveOptions fills in what the flags left to the environment.
func resolveOptions(opts harvest.Options, getenv func(string) string) harvest.Options {
	if opts.Password == "" {
		opts.Password = getenv(passwordEnv)
	}
	return opts
}

var runCmd = &cobra.Command{
	Use:   "run --email <email> [--from <date> --to <date>] [--output json|csv] [--out <path>]",
	Short: "Harvests the search of a single account.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		value := globals.Get(cmd.Context())
		h := value.Harvester

		result, err := h.Execute(cmd.Context(), "run", resolveOptions(runOpts, os.Getenv), os.Stdout)
		if err != nil {
			return err
		}
		utils.RenderDays(os.Stderr, result, h.Location())
		return nil
	},
}
