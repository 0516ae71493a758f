package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/fleet/internal/config"
	"github.com/xiaot623/gogo/fleet/internal/service"
)

const appName = "fleetd"

// Version is overwritten at build time using -ldflags.
var Version = service.Version

func main() {
	if err := newRootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Run and watch AI coding agents across machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "config file (default ./fleet.yaml, or $FLEET_CONFIG)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("api-key", "", "shared API key")

	cmd.AddCommand(
		newHubCmd(),
		newWorkerCmd(),
		newAttachCmd(),
		newSendCmd(),
		newReportCmd(),
		newVersionCmd(version),
	)
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
			return err
		},
	}
}

// loadConfig reads the config file and env, then lets command flags override
// the keys they are bound to.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Loader, *config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("FLEET_CONFIG", path); err != nil {
			return nil, nil, err
		}
	}
	loader, err := config.NewLoader()
	if err != nil {
		return nil, nil, err
	}

	v := loader.Viper()
	bindings["log.level"] = "log-level"
	bindings["server.api_key"] = "api-key"
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	cfg, err := loader.Refresh()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}
