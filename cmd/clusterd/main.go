package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/fuse/backend/internal/server"
	"github.com/OFFIS-RIT/fuse/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := server.New(&middleware.App{
		Backend: cluster.NewLocalBackend(),
		APIKey:  util.GetEnv("CLUSTER_API_KEY"),
	}, util.GetEnvString("BODY_LIMIT", "512M"))

	if err := server.Run(ctx, e, util.GetEnvString("PORT", "8080")); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}
