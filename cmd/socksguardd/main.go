// Command socksguardd runs the SOCKS5 proxy server: it loads
// configuration, wires every component (auth, ACL, guard, relay,
// session store, health tracker), and serves until SIGINT/SIGTERM,
// draining in-flight connections before exit.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"socksguard/internal/acl"
	"socksguard/internal/auth"
	"socksguard/internal/config"
	"socksguard/internal/guard"
	"socksguard/internal/health"
	"socksguard/internal/logx"
	"socksguard/internal/server"
	"socksguard/internal/store"
)

const defaultConfigPath = "./config/config.yaml"

var log = logx.New(logx.WithPrefix("boot"))

func main() {
	var cfgPath string
	var showHelp bool
	flag.StringVar(&cfgPath, "config", defaultConfigPath, "path to config.yaml")
	flag.BoolVar(&showHelp, "help", false, "print usage and exit")
	flag.Parse()

	if showHelp {
		printHelp()
		return
	}

	if err := run(cfgPath); err != nil {
		log.Errorf("%v", err)
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	raw, sourcePath, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logx.SetLevelString(raw.Monitoring.LogLevel)
	log.Infof("config loaded from %s", sourcePath)

	snap, err := config.Build(raw)
	if err != nil {
		return fmt.Errorf("build config snapshot: %w", err)
	}
	cfgStore := config.NewStore(snap)

	authn := auth.New(cfgStore, newSessionID)
	g := guard.New(raw)
	defer g.Stop()

	ht := health.NewTracker(raw.MinMeasurements())

	var mirror *store.Mirror
	if raw.Monitoring.HistoryDSN != "" {
		mirror, err = store.OpenMirror(raw.Monitoring.HistoryDSN)
		if err != nil {
			return fmt.Errorf("open history mirror: %w", err)
		}
		defer mirror.Stop()
	}
	registry := store.NewRegistry(mirror)

	if err := acl.LoadRulesFromDB(raw, raw.AccessControl.RulesDSN); err != nil {
		return fmt.Errorf("load access control rules from database: %w", err)
	}
	router, err := acl.Compile(raw, ht)
	if err != nil {
		return fmt.Errorf("compile access control rules: %w", err)
	}

	mgr := server.New(cfgStore, authn, g, registry, ht, router, newSessionID)

	errCh := make(chan error, 1)
	go func() {
		if err := mgr.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Infof("shutdown signal received, draining")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	mgr.Shutdown(raw.DrainTimeout())
	log.Infof("stopped, bye")
	return nil
}

// newSessionID mints a random 16-byte hex session identifier, used for
// both unauthenticated sessions and as the JWT "sid" claim for
// authenticated ones.
func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform RNG is broken; there's
		// nothing sane to fall back to for a security-sensitive ID.
		panic(fmt.Sprintf("socksguardd: read random session id: %v", err))
	}
	return hex.EncodeToString(b)
}

func printHelp() {
	fmt.Println(`Usage:
  socksguardd [-config path/to/config.yaml]

Flags:
  -config string   path to config.yaml (default "./config/config.yaml")
  -help            print this message`)
}
