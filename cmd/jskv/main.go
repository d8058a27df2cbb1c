// Command jskv is a small operator CLI for inspecting and poking at
// JetStream KV buckets: create/status/list against the bucket
// lifecycle, get/put/delete against a bucket's entries, and a watch
// subcommand that streams live updates to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/usedatabrew/jskv"
)

var (
	version   = "unknown"
	dateBuilt = "unknown"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:  "jskv",
		Usage: "inspect and operate on JetStream key/value buckets",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Value: nats.DefaultURL, Usage: "NATS server URL"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "request timeout for administrative calls"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "off, error, warn, info, debug, trace"},
		},
		Before: func(c *cli.Context) error {
			if c.String("log-level") == "off" {
				logrus.SetOutput(io.Discard)
				return nil
			}
			lvl, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logrus.SetLevel(lvl)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "display version info, then exit",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version: %s\nDate: %s\n", version, dateBuilt)
					return nil
				},
			},
			bucketCommand(),
			getCommand(),
			putCommand(),
			deleteCommand(),
			watchCommand(),
		},
	}
}

func connect(c *cli.Context) (*nats.Conn, error) {
	nc, err := nats.Connect(c.String("url"), nats.Name("jskv-cli"))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.String("url"), err)
	}
	return nc, nil
}

func bucketCommand() *cli.Command {
	return &cli.Command{
		Name:  "bucket",
		Usage: "manage bucket lifecycle",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "create a bucket",
				ArgsUsage: "<bucket>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "history", Value: 1, Usage: "max retained revisions per key"},
					&cli.DurationFlag{Name: "ttl", Usage: "per-entry time to live"},
					&cli.BoolFlag{Name: "memory", Usage: "use memory storage instead of file"},
					&cli.IntFlag{Name: "replicas", Value: 1},
				},
				Action: func(c *cli.Context) error {
					bucket := c.Args().First()
					if bucket == "" {
						return cli.Exit("bucket name is required", 1)
					}
					nc, err := connect(c)
					if err != nil {
						return err
					}
					defer nc.Close()
					mgr := jskv.NewManagerFromConn(nc, jskv.ManagerOpts{RequestTimeout: c.Duration("timeout")})

					storage := jskv.FileStorage
					if c.Bool("memory") {
						storage = jskv.MemoryStorage
					}
					status, err := mgr.Create(c.Context, jskv.BucketConfig{
						Bucket:           bucket,
						MaxHistoryPerKey: c.Int("history"),
						TTL:              c.Duration("ttl"),
						Storage:          storage,
						Replicas:         c.Int("replicas"),
					})
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:      "status",
				Usage:     "show a bucket's configuration and state",
				ArgsUsage: "<bucket>",
				Action: func(c *cli.Context) error {
					bucket := c.Args().First()
					if bucket == "" {
						return cli.Exit("bucket name is required", 1)
					}
					nc, err := connect(c)
					if err != nil {
						return err
					}
					defer nc.Close()
					mgr := jskv.NewManagerFromConn(nc, jskv.ManagerOpts{RequestTimeout: c.Duration("timeout")})
					status, err := mgr.Info(c.Context, bucket)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "list",
				Usage: "list all buckets",
				Action: func(c *cli.Context) error {
					nc, err := connect(c)
					if err != nil {
						return err
					}
					defer nc.Close()
					mgr := jskv.NewManagerFromConn(nc, jskv.ManagerOpts{RequestTimeout: c.Duration("timeout")})
					buckets, err := mgr.ListBuckets(c.Context)
					if err != nil {
						return err
					}
					return printJSON(buckets)
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a bucket",
				ArgsUsage: "<bucket>",
				Action: func(c *cli.Context) error {
					bucket := c.Args().First()
					if bucket == "" {
						return cli.Exit("bucket name is required", 1)
					}
					nc, err := connect(c)
					if err != nil {
						return err
					}
					defer nc.Close()
					mgr := jskv.NewManagerFromConn(nc, jskv.ManagerOpts{RequestTimeout: c.Duration("timeout")})
					return mgr.Delete(c.Context, bucket)
				},
			},
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read the current value of a key",
		ArgsUsage: "<bucket> <key>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: jskv get <bucket> <key>", 1)
			}
			bucket, key := c.Args().Get(0), c.Args().Get(1)
			nc, err := connect(c)
			if err != nil {
				return err
			}
			defer nc.Close()
			kv, err := jskv.NewKeyValueFromConn(nc, bucket, jskv.KeyValueOpts{RequestTimeout: c.Duration("timeout")})
			if err != nil {
				return err
			}
			entry, err := kv.Get(c.Context, key)
			if err != nil {
				return err
			}
			if entry == nil {
				return cli.Exit(fmt.Sprintf("key %q not found", key), 1)
			}
			return printJSON(entry)
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "write a value to a key",
		ArgsUsage: "<bucket> <key> <value>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 3 {
				return cli.Exit("usage: jskv put <bucket> <key> <value>", 1)
			}
			bucket, key, value := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
			nc, err := connect(c)
			if err != nil {
				return err
			}
			defer nc.Close()
			kv, err := jskv.NewKeyValueFromConn(nc, bucket, jskv.KeyValueOpts{RequestTimeout: c.Duration("timeout")})
			if err != nil {
				return err
			}
			rev, err := kv.PutString(c.Context, key, value)
			if err != nil {
				return err
			}
			fmt.Println(rev)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a key",
		ArgsUsage: "<bucket> <key>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "purge", Usage: "collapse history instead of leaving a retained tombstone"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: jskv delete <bucket> <key>", 1)
			}
			bucket, key := c.Args().Get(0), c.Args().Get(1)
			nc, err := connect(c)
			if err != nil {
				return err
			}
			defer nc.Close()
			kv, err := jskv.NewKeyValueFromConn(nc, bucket, jskv.KeyValueOpts{RequestTimeout: c.Duration("timeout")})
			if err != nil {
				return err
			}
			if c.Bool("purge") {
				return kv.Purge(c.Context, key)
			}
			return kv.Delete(c.Context, key)
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "stream live updates for a key pattern",
		ArgsUsage: "<bucket> [pattern]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("usage: jskv watch <bucket> [pattern]", 1)
			}
			bucket := c.Args().Get(0)
			pattern := c.Args().Get(1)
			if pattern == "" {
				pattern = ">"
			}

			nc, err := connect(c)
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn := jskv.ConnFromOpts(nc, "", c.Duration("timeout"))
			w, err := jskv.NewWatcher(ctx, conn, bucket, pattern)
			if err != nil {
				return err
			}
			defer func() { _ = w.Unsubscribe() }()

			for {
				select {
				case <-ctx.Done():
					return nil
				case entry, ok := <-w.Updates():
					if !ok {
						return nil
					}
					if entry == nil {
						fmt.Fprintln(os.Stderr, "-- caught up, now live --")
						continue
					}
					if err := printJSON(entry); err != nil {
						return err
					}
				}
			}
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
