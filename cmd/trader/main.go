package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"trader/internal/api"
	"trader/internal/config"
	"trader/internal/engine"
	"trader/internal/tool"
	"trader/internal/tradlet"
	"trader/internal/tradlet/builtins"
	"trader/internal/util"
)

const configFlag = "-Dtrader.configFile="

const usage = `usage: trader [-Dtrader.configFile=<path>] <command> [flags]

commands:
  serve                 run the live engine and the health server
  eval                  back-test: --beginDate=YYYYMMDD --endDate=YYYYMMDD
  repository.export     export market data: --instrument=EXCH.symbol
                        [--level=tick|min1|min5|day] --beginDate --endDate
                        [--outputFile=path]
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	cfgPath, args := splitConfigPath(os.Args[1:])
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", cfgPath, err)
	}
	logger, err := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	registry := tradlet.NewRegistry()
	builtins.Register(registry)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env := tool.Env{Config: cfg, Registry: registry, Out: os.Stdout, Logger: logger}
	switch cmd := args[0]; cmd {
	case "serve":
		err = serve(ctx, cfg, registry, logger)
	case "eval":
		err = tool.Eval(ctx, env, args[1:])
	case "repository.export":
		err = tool.Export(ctx, env, args[1:])
	default:
		err = fmt.Errorf("%w: unknown command %q", tool.ErrUsage, cmd)
	}
	if err != nil {
		if errors.Is(err, tool.ErrUsage) {
			fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		} else {
			logger.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		}
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
}

// splitConfigPath removes the config file option from args. Without it the
// path comes from TRADER_CONFIG or defaults to config/trader.yaml.
func splitConfigPath(args []string) (string, []string) {
	path := "config/trader.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		path = p
	}
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if strings.HasPrefix(a, configFlag) {
			path = strings.TrimPrefix(a, configFlag)
			continue
		}
		rest = append(rest, a)
	}
	return path, rest
}

func serve(ctx context.Context, cfg *config.Config, registry *tradlet.Registry, logger *zap.Logger) error {
	eng, err := engine.New(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer eng.Stop()

	health := api.NewServer(logger)
	for _, a := range eng.Trades().Accounts() {
		health.Watch(a.Session())
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	if err := health.ListenAndServe(ctx, addr); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}
