// Copyright (c) 2020 Sperax
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/larry-lines/justirc/internal/accounts"
	"github.com/larry-lines/justirc/internal/broker"
	"github.com/larry-lines/justirc/internal/ipfilter"
)

func main() {
	app := &cli.App{
		Name:                 "justirc-broker",
		Usage:                "run an end-to-end encrypted chat broker",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			runCommand(),
			registerCommand(),
			blacklistCommand(),
			whitelistCommand(),
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the broker and serve connections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "directory holding persisted state"},
			&cli.StringFlag{Name: "host", Value: "0.0.0.0", Usage: "listen address"},
			&cli.IntFlag{Name: "port", Value: 6667, Usage: "listen port"},
			&cli.IntFlag{Name: "max-connections", Value: 1000, Usage: "concurrent connection cap"},
			&cli.DurationFlag{Name: "read-timeout", Value: 60 * time.Second, Usage: "per-read deadline"},
		},
		Action: func(c *cli.Context) error {
			cfg := broker.DefaultConfig(c.String("data-dir"))
			cfg.Host = c.String("host")
			cfg.Port = c.Int("port")
			cfg.MaxConnections = c.Int("max-connections")
			cfg.ReadTimeout = c.Duration("read-timeout")

			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}

			b, err := broker.New(cfg)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				log.Println("shutting down")
				if err := b.Shutdown(); err != nil {
					log.Printf("shutdown: %v", err)
				}
			}()

			return b.ListenAndServe()
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "pre-register a nickname and password before the broker starts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "directory holding persisted state"},
			&cli.StringFlag{Name: "nickname", Required: true},
			&cli.StringFlag{Name: "password", Required: true},
		},
		Action: func(c *cli.Context) error {
			nickname := c.String("nickname")
			password := c.String("password")
			if len(password) < 4 {
				return errors.New("password must be at least 4 characters")
			}

			dataDir := c.String("data-dir")
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			store := accounts.New(dataDir + "/user_profiles.json")
			if err := store.Load(); err != nil {
				return err
			}
			if err := store.Register(nickname, password, time.Now()); err != nil {
				return err
			}
			fmt.Println("registered", nickname)
			return nil
		},
	}
}

func blacklistCommand() *cli.Command {
	return &cli.Command{
		Name:  "blacklist",
		Usage: "add or clear blacklisted addresses",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "./data"},
			&cli.StringFlag{Name: "add", Usage: "address or CIDR to blacklist"},
			&cli.BoolFlag{Name: "clear", Usage: "clear the entire blacklist"},
		},
		Action: func(c *cli.Context) error {
			f := ipfilter.New(c.String("data-dir") + "/ip_filter.json")
			if err := f.Load(); err != nil {
				return err
			}
			if c.Bool("clear") {
				return f.ClearBlacklist()
			}
			addr := c.String("add")
			if addr == "" {
				return errors.New("specify --add or --clear")
			}
			return f.Blacklist(addr)
		},
	}
}

func whitelistCommand() *cli.Command {
	return &cli.Command{
		Name:  "whitelist",
		Usage: "add or clear whitelisted addresses",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "./data"},
			&cli.StringFlag{Name: "add", Usage: "address or CIDR to whitelist"},
			&cli.BoolFlag{Name: "clear", Usage: "clear the entire whitelist"},
		},
		Action: func(c *cli.Context) error {
			f := ipfilter.New(c.String("data-dir") + "/ip_filter.json")
			if err := f.Load(); err != nil {
				return err
			}
			if c.Bool("clear") {
				return f.ClearWhitelist()
			}
			addr := c.String("add")
			if addr == "" {
				return errors.New("specify --add or --clear")
			}
			return f.Whitelist(addr)
		},
	}
}
