// Command dkimsignd runs the DKIM-signing oracle daemon: it loads a key
// store and sender-options configuration from a config file, then serves
// the attribute/value wire protocol on a Unix or TCP socket until it
// receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkimsignd/dkimsignd"
)

func main() {
	configPath := flag.String("config", "/etc/dkimsignd/dkimsignd.yaml", "path to configuration file")
	foreground := flag.Bool("foreground", false, "log to stderr instead of syslog and stay attached to the terminal")
	flag.Parse()

	cfg, err := dkimsignd.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dkimsignd: %v\n", err)
		os.Exit(1)
	}

	var logger *slog.Logger
	if *foreground {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger, err = dkimsignd.NewSyslogLogger(cfg.SyslogIdent, cfg.SyslogFacility, cfg.LogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dkimsignd: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.Logger = logger
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		logger.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg dkimsignd.ServerConfig) error {
	keystore, err := dkimsignd.BuildKeyStore(cfg)
	if err != nil {
		return err
	}
	resolver := dkimsignd.BuildOptionsResolver(cfg)
	dispatcher := dkimsignd.NewDispatcher(keystore, resolver, cfg.Logger)

	server, err := dkimsignd.NewServer(cfg, dispatcher)
	if err != nil {
		return err
	}

	listener, err := dkimsignd.Listen(cfg)
	if err != nil {
		return err
	}

	if err := dkimsignd.DropPrivileges(cfg.User, cfg.Group, cfg.ChrootDir); err != nil {
		return err
	}

	if err := dkimsignd.WritePIDFile(cfg.PIDFile); err != nil {
		return err
	}
	defer dkimsignd.RemovePIDFile(cfg.PIDFile)

	var introspection *dkimsignd.IntrospectionServer
	if cfg.IntrospectionSocket != "" {
		introspection = dkimsignd.NewIntrospectionServer(cfg.IntrospectionSocket, dispatcher, cfg.Logger)
		go func() {
			if err := introspection.ListenAndServe(); err != nil {
				cfg.Logger.Warn("introspection socket stopped", slog.Any("error", err))
			}
		}()
		defer introspection.Close()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != dkimsignd.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-sigCh:
		cfg.Logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			cfg.Logger.Warn("shutdown did not complete cleanly", slog.Any("error", err))
		}
		<-serveErr
		return nil
	}
}
