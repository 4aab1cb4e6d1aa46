package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/proc"
	"github.com/zeromicro/go-zero/core/threading"
	"github.com/zeromicro/go-zero/rest"
	"github.com/zeromicro/go-zero/rest/httpx"

	"tradefleet/internal/cli"
	"tradefleet/internal/config"
	"tradefleet/internal/handler"
	"tradefleet/internal/svc"
	"tradefleet/pkg/confkit"
)

var (
	configFile = flag.String("f", "etc/tradefleet.yaml", "the config file")
	schedule   = flag.Bool("schedule", false, "also run the scheduler in this process")
)

func main() {
	flag.Parse()

	cfg := config.MustLoad(confkit.Locate(*configFile))

	server := rest.MustNewServer(cfg.RestConf)
	defer server.Stop()

	cli.LogConfigSummary(cfg)

	svcCtx, err := svc.NewServiceContext(*cfg)
	if err != nil {
		logx.Must(err)
	}
	defer svcCtx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc.AddShutdownListener(cancel)

	if _, err := svcCtx.Seed(ctx); err != nil {
		logx.Must(err)
	}

	threading.GoSafe(func() { svcCtx.Hub.Run(ctx) })
	if *schedule {
		threading.GoSafe(func() {
			if err := svcCtx.Scheduler.Start(ctx); err != nil && ctx.Err() == nil {
				logx.Errorf("scheduler stopped: %v", err)
			}
		})
	}

	httpx.SetErrorHandlerCtx(handler.ErrorHandler)
	handler.RegisterHandlers(server, svcCtx)

	fmt.Printf("Starting server at %s:%d...\n", cfg.Host, cfg.Port)
	server.Start()
}
