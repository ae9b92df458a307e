package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"restrpc/registry"
	"restrpc/server"
)

// Person is the struct returned by get_person; fields travel as an array.
type Person struct {
	ID   int32
	Name string
	Age  int32
}

func registerDemo(svr *server.Server) error {
	demo := map[string]any{
		"add":  func(a, b int32) int32 { return a + b },
		"echo": func(s string) string { return s },
		"get_person": func(ctx context.Context) Person {
			return Person{ID: 1, Name: "tom", Age: 20}
		},
	}
	for name, fn := range demo {
		if err := svr.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func serveCommand(c *cli.Context) (err error) {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	svr := server.NewServer(server.WithLogger(logger), server.WithServiceName(c.String("service")))
	if err := registerDemo(svr); err != nil {
		return err
	}

	var reg registry.Registry
	etcd, err := newRegistry(c, logger)
	if err != nil {
		return err
	}
	if etcd != nil {
		defer etcd.Close()
		reg = etcd
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Serve("tcp", c.String("listen"), c.String("advertise"), reg)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", zap.Error(context.Cause(ctx)))
		return svr.Shutdown(5 * time.Second)
	})
	return g.Wait()
}
