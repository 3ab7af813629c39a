package main

import (
	"context"
	"fmt"
	"os"

	"frame-index-go/internal/app"
	"frame-index-go/internal/config"
	"frame-index-go/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "./configs/config.yaml"

// cliContext 保存所有子命令共用的配置与日志。
type cliContext struct {
	configPath string
	verbose    bool

	cfg *config.Config
	log *zap.SugaredLogger
}

// load 读取配置。未显式指定 --config 且默认文件不存在时只使用默认值与环境变量。
func (c *cliContext) load(cmd *cobra.Command) error {
	path := c.configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.log = log.OrNop(nil)
	if c.verbose {
		logger, err := log.New(cfg.Log.Level, "console", "")
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		c.log = logger
	}
	return nil
}

func (c *cliContext) wire(ctx context.Context) (*app.App, error) {
	return app.Wire(ctx, c.cfg, c.log)
}

// NewRootCmd creates the root framectl command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	cc := &cliContext{}
	root := &cobra.Command{
		Use:           "framectl",
		Short:         "framectl — operate the frame embedding index",
		Long:          "framectl ingests frames into the dual-schema vector store, searches it and checks reference consistency.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cc.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&cc.configPath, "config", "c", defaultConfigPath, "path to config file")
	root.PersistentFlags().BoolVarP(&cc.verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newIngestCmd(cc),
		newSearchCmd(cc),
		newCheckCmd(cc),
		newTokenCmd(cc),
	)
	return root
}
