package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinelguard/sentinel/guardian/config"
)

const (
	envPrefix   = "SENTINEL"
	flagHome    = "home"
	defaultHome = ".sentinel"
)

func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "sentineld",
		Short:         "Sentinel content moderation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(flagHome, defaultNodeHome(), "node home directory (env SENTINEL_HOME)")
	_ = v.BindPFlag(flagHome, rootCmd.PersistentFlags().Lookup(flagHome))

	InitRootCmd(rootCmd, v) // add subcommands like `start` and `version`

	return rootCmd
}

func defaultNodeHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultHome
	}
	return filepath.Join(home, defaultHome)
}

// loadConfig reads the config under the resolved node home.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString(flagHome))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
