// Command scheduler runs the ranking pipeline and agent cycles on their
// cadences without serving the ops API.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/cli"
	"tradefleet/internal/config"
	"tradefleet/internal/svc"
	"tradefleet/pkg/confkit"
	"tradefleet/pkg/market"
)

var (
	configFile = flag.String("f", "etc/tradefleet.yaml", "the config file")
	once       = flag.String("once", "", "run a single timeframe now and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(confkit.Locate(*configFile))
	if err != nil {
		logx.Must(err)
	}
	logx.MustSetup(cfg.Log)
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	svcCtx, err := svc.NewServiceContext(*cfg)
	if err != nil {
		logx.Must(err)
	}
	defer svcCtx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agents, err := svcCtx.Seed(ctx)
	if err != nil {
		logx.Must(err)
	}
	logx.Infof("scheduler: %d agents seeded", len(agents))

	if *once != "" {
		tf, err := market.ParseTimeframe(*once)
		if err != nil {
			logx.Must(err)
		}
		rep, err := svcCtx.Scheduler.Trigger(ctx, tf)
		if err != nil {
			logx.Must(err)
		}
		logx.Infof("scheduler: run %s finished, %d symbols ranked, candle closed %t",
			rep.Ranking.Run.ID, len(rep.Ranking.Snapshots), rep.CandleClosed)
		return
	}

	if err := svcCtx.Scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.Errorf("scheduler: %v", err)
	}
	logx.Info("scheduler: stopped")
}
