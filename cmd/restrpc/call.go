package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"restrpc/client"
	"restrpc/codec"
	"restrpc/middleware"
	"restrpc/transport"
)

func callCommand(c *cli.Context) (err error) {
	if c.NArg() < 1 {
		return cli.ShowCommandHelp(c, "call")
	}
	name := c.Args().First()
	args, err := parseArgs(c.Args().Tail())
	if err != nil {
		return err
	}
	rt, err := parseReturnType(c.String("ret"))
	if err != nil {
		return err
	}

	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []transport.TCPOption{transport.WithLogger(logger)}
	reg, err := newRegistry(c, logger)
	if err != nil {
		return errors.Wrap(err, "etcd")
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, transport.WithRegistry(reg))
	}

	timeout := c.Duration("timeout")
	cl := client.NewClient(transport.NewTCPTransport(opts...),
		client.WithLogger(logger),
		client.WithMiddleware(
			middleware.Logging(logger),
			middleware.Retry(2, 50*time.Millisecond),
			middleware.Timeout(timeout),
		),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err = cl.Connect(ctx, c.String("addr"))
	cancel()
	if err != nil {
		return err
	}
	defer cl.Close()

	fn := cl.Func(name)
	results := make([]string, c.Int("repeat"))
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			call, err := fn.Invoke(context.Background(), rt, args...)
			if err != nil {
				return err
			}
			v, err := call.WaitTimeout(timeout)
			if err != nil {
				return err
			}
			results[i] = format(v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range results {
		fmt.Println(r)
	}
	logger.Debug("done", zap.String("function", name), zap.Int("calls", len(results)))
	return nil
}

// parseArgs turns "i32:100", "i64:7", "str:hi" and "nil" into typed values.
// Anything without a known prefix is sent as a string.
func parseArgs(raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		if s == "nil" {
			args = append(args, nil)
			continue
		}
		kind, val, ok := strings.Cut(s, ":")
		if !ok {
			args = append(args, s)
			continue
		}
		switch kind {
		case "i32":
			n, err := strconv.ParseInt(val, 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "argument %q", s)
			}
			args = append(args, int32(n))
		case "i64":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "argument %q", s)
			}
			args = append(args, n)
		case "str":
			args = append(args, val)
		default:
			args = append(args, s)
		}
	}
	return args, nil
}

func parseReturnType(s string) (codec.Type, error) {
	switch s {
	case "nil":
		return codec.Nil, nil
	case "i32":
		return codec.Int32, nil
	case "i64":
		return codec.Int64, nil
	case "str":
		return codec.String, nil
	case "person":
		return codec.TypeFor[Person](), nil
	}
	return codec.Type{}, errors.Errorf("unknown return type %q", s)
}

func format(v any) string {
	if v == nil {
		return "nil"
	}
	if p, ok := v.(Person); ok {
		return fmt.Sprintf("{id: %d, name: %s, age: %d}", p.ID, p.Name, p.Age)
	}
	return fmt.Sprint(v)
}
