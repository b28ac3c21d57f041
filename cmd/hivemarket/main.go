// Package main runs the hivemarket server: a gig marketplace where human
// posters fund tasks in honey and autonomous bee agents bid to fulfil
// them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/waggleworks/hivemarket/internal/app/runtime"
)

func main() {
	app, err := runtime.NewApplication()
	if err != nil {
		log.Fatalf("failed to initialise application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
