package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/petervdpas/ticketcall/internal/app"
	"github.com/petervdpas/ticketcall/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		cfgPath   string
		ticket    string
		addr      string
		noConnect bool
		initCfg   bool
		version   bool
	)

	flagSet := pflag.NewFlagSet("ticketcall", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "ticketcall.yaml", "path to the YAML config file (missing file means defaults)")
	flagSet.StringVar(&ticket, "ticket", "", "join this ticket's call room once connected")
	flagSet.StringVar(&addr, "addr", "", "control API listen address (overrides viewer.http_addr)")
	flagSet.BoolVar(&noConnect, "no-connect", false, "do not connect to the signaling server at startup")
	flagSet.BoolVar(&initCfg, "init-config", false, "write a default config file if none exists, then exit")
	flagSet.BoolVar(&version, "version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if version {
		fmt.Printf("ticketcall %s\n", appVersion)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if noConnect && ticket != "" {
		return errors.New("--ticket needs a connection; drop --no-connect")
	}

	if initCfg {
		_, created, err := config.Ensure(cfgPath)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("wrote default config to %s\n", cfgPath)
		} else {
			fmt.Printf("%s already exists\n", cfgPath)
		}
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Viewer.HTTPAddr = addr
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, app.Options{
		CfgPath:   cfgPath,
		Cfg:       cfg,
		Version:   appVersion,
		Ticket:    ticket,
		NoConnect: noConnect,
	})
}
