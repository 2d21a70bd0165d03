package hxbench_test

import (
	"context"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/go-faster/hxbench"
)

func ExampleServer() {
	lg, _ := zap.NewDevelopment()
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := &hxbench.Server{
		// Handler is called for each request on a private copy of Ctx,
		// aborting the connection if it doesn't return in a second.
		Handler: hxbench.TimeoutHandler(func(ctx *hxbench.Ctx) error {
			ctx.Logger().Debug("Request", zap.Stringer("ctx", ctx))
			_, err := ctx.WriteString("Hello World!")
			return err
		}, time.Second),

		// Every response will contain 'Server: My super server' header.
		Name:    "My super server",
		Workers: 4,
		Logger:  lg,
	}

	// ListenAndServe returns nil once ctx is canceled.
	if err := s.ListenAndServe(ctx, hxbench.DefaultAddr); err != nil {
		lg.Fatal("Serve", zap.Error(err))
	}
}
