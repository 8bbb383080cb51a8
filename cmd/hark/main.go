package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/internal/config"
	"github.com/hossein1376/hark/internal/logging"
	"github.com/hossein1376/hark/runner"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("hark", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	tui := flags.Bool("tui", false, "open the interactive inbox")
	to := flags.String("to", "", "device the inbox sends to")
	registerFlags(flags)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	if *tui {
		return runInbox(ctx, cfg, store, *to)
	}

	logger, release, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer release()

	r := runner.New(cfg, store, logging.Component(logger, "runner"), os.Stdout)
	err = r.Run(ctx)
	if errors.Is(err, runner.ErrLoggedOut) {
		fmt.Println("logged out, the session was cleared. Run again to pair.")
		return nil
	}
	return err
}

func registerFlags(flags *pflag.FlagSet) {
	def := config.Default()
	flags.String("addr", def.Addr, "relay address")
	flags.String("name", def.DeviceName, "name this device shows to the relay")
	flags.String("store", def.Store.Kind, "session store: files, bolt or redis")
	flags.String("session-dir", def.Store.Dir, "folder of the files store")
	flags.String("bolt-path", def.Store.BoltPath, "database of the bolt store")
	flags.String("redis-url", def.Store.RedisURL, "server of the redis store")
	flags.String("qr", def.QR, "draw pairing QR codes: auto, always or never")
	flags.String("log-level", def.Log.Level, "log level")
	flags.String("log-format", def.Log.Format, "log format: console or json")
	flags.Int("max-retries", def.Reconnect.MaxRetries, "reconnect attempts before giving up, 0 for no limit")
	flags.Bool("repair-on-logout", def.Reconnect.RepairOnLogout, "pair again after being logged out")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (authstate.Store, error) {
	switch cfg.Kind {
	case config.StoreBolt:
		return authstate.OpenBolt(cfg.BoltPath)
	case config.StoreRedis:
		return authstate.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return authstate.OpenDir(cfg.Dir)
	}
}
