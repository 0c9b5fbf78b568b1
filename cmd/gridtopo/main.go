package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/doublecloud/gridtopo/internal/logger"
	"github.com/doublecloud/gridtopo/pkg/grid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	zp "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.ytsaurus.tech/library/go/core/log/zap"
	"go.ytsaurus.tech/library/go/core/metrics/solomon"
	"golang.org/x/xerrors"
)

var (
	defaultLogLevel = "info"
	commandTimeout  = 30 * time.Second
)

func main() {
	loggerConfig := logger.DefaultLoggerConfig(zp.InfoLevel)
	logLevel := defaultLogLevel
	configAddr := ""

	viper.SetEnvPrefix("GRIDTOPO")
	_ = viper.BindEnv("config_addr")

	flags := pflag.NewFlagSet("gridtopo", pflag.ContinueOnError)
	flags.StringVar(&logLevel, "log-level", defaultLogLevel, "Logging level: panic|fatal|error|warning|info|debug")
	flags.StringVar(&configAddr, "config-addr", "", "Config server address, e.g. csrs/cfg1:27019,cfg2:27019 (env GRIDTOPO_CONFIG_ADDR)")

	rootCommand := &cobra.Command{
		Use:          "gridtopo",
		Short:        "Shard topology registry cli",
		Example:      "./gridtopo shardmap --config-addr cfg1:27019",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch logLevel {
			case "panic":
				loggerConfig.Level.SetLevel(zapcore.PanicLevel)
			case "fatal":
				loggerConfig.Level.SetLevel(zapcore.FatalLevel)
			case "error":
				loggerConfig.Level.SetLevel(zapcore.ErrorLevel)
			case "warning":
				loggerConfig.Level.SetLevel(zapcore.WarnLevel)
			case "info":
				loggerConfig.Level.SetLevel(zapcore.InfoLevel)
			case "debug":
				loggerConfig.Level.SetLevel(zapcore.DebugLevel)
			default:
				return xerrors.Errorf("unsupported log level: %s", logLevel)
			}
			logger.Log = zap.Must(loggerConfig)
			if configAddr == "" {
				configAddr = viper.GetString("config_addr")
			}
			if configAddr == "" {
				return xerrors.New("config server address is required (--config-addr or GRIDTOPO_CONFIG_ADDR)")
			}
			return nil
		},
	}
	rootCommand.PersistentFlags().AddFlagSet(flags)
	rootCommand.AddCommand(shardMapCommand(&configAddr))
	rootCommand.AddCommand(pickCommand(&configAddr))

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRegistry(configAddr string) *grid.ShardRegistry {
	deps := grid.ShardDeps{
		Executor: grid.NewMongoExecutor(),
		Monitors: grid.NewMonitorRegistry(),
	}
	return grid.NewShardRegistry(
		grid.NewConfigCatalog(configAddr),
		deps,
		logger.Log,
		solomon.NewRegistry(solomon.NewRegistryOpts().SetUseNameTag(true)),
	)
}

func shardMapCommand(configAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shardmap",
		Short: "Dump the identifier to address index of the shard registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			registry := newRegistry(*configAddr)
			if err := registry.Reload(ctx); err != nil {
				return xerrors.Errorf("cannot load shard list: %w", err)
			}
			out, err := json.MarshalIndent(registry.ExportMap(), "", "  ")
			if err != nil {
				return xerrors.Errorf("cannot marshal shard map: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func pickCommand(configAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pick",
		Short: "Choose the least loaded shard for new-data placement",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			registry := newRegistry(*configAddr)
			picked, err := registry.PickShard(ctx, grid.Shard{})
			if err != nil {
				return xerrors.Errorf("cannot pick a shard: %w", err)
			}
			if picked.IsEmpty() {
				return xerrors.New("no shards registered in the cluster")
			}
			fmt.Printf("%s\t%s\n", picked.Name(), picked.Address())
			return nil
		},
	}
}
