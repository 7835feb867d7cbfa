package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/abhs/internal/config"
)

// NewCheckConfigCommand creates the check-config command.
func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate and print the effective configuration",
		Long: `Load the config file, apply environment overrides, and print the result.

The device token is masked. Without --config the schema defaults are used.

Exit codes:
  0 - Configuration is valid
  2 - Configuration is missing or invalid`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(rootOpts, cmd)
		},
	}
}

func runCheckConfig(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.ConfigPath, os.LookupEnv)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "invalid configuration", err)
	}

	if opts.Format == "json" {
		return formatter.Success(cfg)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render configuration", err)
	}
	return formatter.Success(string(data))
}

// loadConfig returns the schema defaults for an empty path, then applies
// environment overrides.
func loadConfig(path string, lookup func(string) (string, bool)) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(lookup)
	return cfg, nil
}
