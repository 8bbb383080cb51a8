package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/config"
	"github.com/hossein1376/hark/internal/logging"
	"github.com/hossein1376/hark/internal/netinfo"
	"github.com/hossein1376/hark/relay"
	"github.com/hossein1376/hark/stp"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	def := config.DefaultRelay()
	flags := pflag.NewFlagSet("hark-relay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("addr", def.Addr, "address to listen on")
	flags.String("name", def.Name, "name shown to paired devices")
	flags.String("db", def.DBPath, "device registry database")
	flags.String("key", def.IdentityPath, "identity key file, created if missing")
	flags.String("stun", "", "STUN server used to print the public address")
	flags.Lookup("stun").NoOptDefVal = netinfo.DefaultSTUNServer
	flags.String("log-level", def.Log.Level, "log level")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyFlags(flags)

	logger, release, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer release()

	id, err := loadIdentity(cfg.IdentityPath, logger)
	if err != nil {
		return err
	}
	registry, err := relay.OpenRegistry(cfg.DBPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	rl := relay.New(relay.Config{
		Name:        cfg.Name,
		FirstRefTTL: cfg.FirstRefTTL,
		RefTTL:      cfg.RefTTL,
		MaxRefs:     cfg.MaxRefs,
		KeepAlive:   cfg.KeepAlive,
	}, registry, logging.Component(logger, "relay"))
	srv := stp.NewServer(cfg.Addr, id, rl.Handle, stp.WithLogger(logging.Component(logger, "stp")))

	printAddrs(cfg, id, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	go newConsole(rl, os.Stdout).run(ctx, os.Stdin)

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("shutting down")
	}
	if errors.Is(err, stp.ErrServerClosed) {
		return nil
	}
	return err
}

func loadIdentity(path string, logger zerolog.Logger) (*attest.Attest, error) {
	id, err := attest.LoadFromDisk(path)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, attest.ErrMissingFile):
	default:
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	if id, err = attest.New(); err != nil {
		return nil, fmt.Errorf("creating identity: %w", err)
	}
	if err = id.Save(path); err != nil {
		return nil, err
	}
	logger.Info().Str("path", path).Msg("created relay identity")
	return id, nil
}

func printAddrs(cfg config.RelayConfig, id *attest.Attest, logger zerolog.Logger) {
	fmt.Printf("relay %s listening on %s\n", cfg.Name, cfg.Addr)
	fmt.Printf("key fingerprint: %s\n", id.PublicKey().Fingerprint())
	if ip, err := netinfo.LANAddr(); err != nil {
		logger.Warn().Err(err).Msg("finding LAN address")
	} else {
		fmt.Printf("LAN address: %s\n", ip)
	}
	if cfg.STUNServer == "" {
		return
	}
	addr, err := netinfo.PublicAddr(cfg.STUNServer, 3*time.Second)
	if err != nil {
		logger.Warn().Err(err).Str("server", cfg.STUNServer).Msg("asking STUN server")
		return
	}
	fmt.Printf("public address: %s\n", addr.IP)
}
