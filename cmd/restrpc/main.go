// Command restrpc calls functions on a restrpc peer, or runs a demo peer.
//
//	restrpc serve --listen :9000
//	restrpc call --addr 127.0.0.1:9000 --ret i32 add i32:100 i32:230
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"restrpc/registry"
)

func main() {
	app := cli.NewApp()
	app.Name = "restrpc"
	app.Usage = "call and serve msgpack rpc functions"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "Log at debug level",
			EnvVar: "RESTRPC_DEBUG",
		},
		cli.StringFlag{
			Name:   "etcd",
			Usage:  "Comma separated etcd endpoints used to resolve and register services",
			EnvVar: "RESTRPC_ETCD",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:      "call",
			Usage:     "Invoke a remote function and print its result",
			ArgsUsage: "FUNCTION [ARG...]  (args as i32:N, i64:N, str:S or nil)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "addr, a",
					Usage:  "Peer address, host:port or service://name",
					Value:  "127.0.0.1:9000",
					EnvVar: "RESTRPC_ADDR",
				},
				cli.DurationFlag{
					Name:   "timeout, t",
					Usage:  "How long to wait for each reply",
					Value:  5 * time.Second,
					EnvVar: "RESTRPC_TIMEOUT",
				},
				cli.StringFlag{
					Name:  "ret, r",
					Usage: "Expected return type: nil, i32, i64, str or person",
					Value: "str",
				},
				cli.IntFlag{
					Name:  "repeat, n",
					Usage: "Issue the call this many times concurrently",
					Value: 1,
				},
			},
			Action: callCommand,
		},
		cli.Command{
			Name:  "serve",
			Usage: "Run a peer exposing the demo functions add, echo and get_person",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "Listen address",
					Value: ":9000",
				},
				cli.StringFlag{
					Name:  "advertise",
					Usage: "Address registered in etcd, defaults to the listen address",
				},
				cli.StringFlag{
					Name:  "service",
					Usage: "Service name to register under",
					Value: "restrpc",
				},
			},
			Action: serveCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("restrpc: %v", err))
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.GlobalBool("debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// newRegistry returns nil when no etcd endpoints are configured.
func newRegistry(c *cli.Context, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	endpoints := c.GlobalString("etcd")
	if endpoints == "" {
		return nil, nil
	}
	return registry.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
}
