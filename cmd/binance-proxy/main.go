package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"go.uber.org/fx"

	"binance-proxy-go/internal/client"
	"binance-proxy-go/internal/config"
	"binance-proxy-go/internal/handler"
	"binance-proxy-go/internal/metrics"
	"binance-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("binance-proxy"),
		kong.Description("Reverse proxy for the Binance spot and futures REST APIs."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli)).Run()
}

// appOptions assembles the dependency graph for one proxy process.
func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Supply(cli, handler.Version(version)),
		fx.Provide(config.Load, newLogger),
		fx.WithLogger(newFxLogger),

		fx.Module("upstream",
			fx.Provide(
				metrics.New,
				client.NewBinanceClient,
				service.NewProxyService,
			),
		),

		fx.Module("http",
			fx.Provide(
				newEcho,
				handler.NewProxyHandler,
				handler.NewHealthHandler,
			),
			fx.Invoke(handler.RegisterRoutes, handler.RegisterMetrics),
		),

		fx.Invoke((*config.Config).WarnPermissions, startServer),
	)
}
