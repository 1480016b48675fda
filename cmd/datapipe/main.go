package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"datapipe/internal/app"
)

func main() {
	var opts app.Options
	var mode string
	flag.StringVar(&opts.ConfigPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&mode, "mode", string(app.ModeOnce), "once | scheduled")
	flag.StringVar(&opts.Job, "job", "", "run only this job (once mode)")
	flag.BoolVar(&opts.Dev, "dev", false, "force demo mode on every provider")
	flag.BoolVar(&opts.Debug, "debug", false, "debug logging")
	flag.Parse()
	opts.Mode = app.Mode(mode)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := app.Run(ctx, opts)
	cancel()
	os.Exit(code)
}
