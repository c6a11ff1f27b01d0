package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/config"
	"github.com/pixperk/pdmlock/pkg/logging"
)

var (
	cfgFile string
	v       = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "pdmlock",
	Short: "Git-backed edit locks for shared binary files",
	Long: `pdmlock coordinates exclusive edit locks on shared CAD/CAM files.

The lock table lives in a Git repository. "pdmlock serve" runs the lock
service next to a clone of that repository, the other commands talk to a
running service.

Every setting can come from --config, from PDMLOCK_* environment variables
(PDMLOCK_LEDGER_REMOTE_URL for ledger.remote_url) or from flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "json", "Log format: json, console")
	pf.String("addr", "localhost:9000", "Lock service gRPC address")
	pf.StringP("identity", "u", "", "Identity to act as (PDMLOCK_CLIENT_IDENTITY)")

	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("client.addr", pf.Lookup("addr"))
	_ = v.BindPFlag("client.identity", pf.Lookup("identity"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(acquireCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(locksCmd)
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
