package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/assetmanager/filingsqa/pkg/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// app carries state shared by subcommands once the root pre-run has loaded it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd creates the root filingsqa command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "filingsqa",
		Short:         "Answer questions about SEC filings",
		Long:          "filingsqa embeds a question, searches the filings graph for similar passages and asks a model to answer from them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newAskCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfgFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}

	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		v.Set("log.level", f.Value.String())
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger, err = newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger)
	return nil
}

// loadEnvFile loads path into the process environment. A missing file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
