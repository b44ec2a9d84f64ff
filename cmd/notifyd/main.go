package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storenotify/internal/app"
	logx "storenotify/pkg/logx"
)

func main() {
	var cfgPath, dotenv string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&dotenv, "env-file", ".env", "dotenv file with STORENOTIFY_* secrets")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Configured logging only exists once app.New succeeds.
	boot := logx.NewConsole("INFO").With(logx.String("comp", "notifyd"))

	a, err := app.New(ctx, app.Options{ConfigPath: cfgPath, DotenvFiles: []string{dotenv}})
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	app.Ready()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}
