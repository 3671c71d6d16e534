// Command vmcored is the VM lifecycle daemon: it owns snapshot metadata,
// drives migrations through the health-gated state machine, and serves a
// rate-limited control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/horcrux/vmcore/internal/buildinfo"
	"github.com/horcrux/vmcore/internal/config"
	"github.com/horcrux/vmcore/internal/daemon"
)

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if warning, err := config.CheckConfigPermissions(cfg.ConfigPath); err != nil {
		log.Fatalf("config permissions: %v", err)
	} else if warning != "" {
		log.Printf("warning: %s", warning)
	}

	log.Printf("vmcored starting (%s)", buildinfo.String())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatalf("vmcored error: %v", err)
	}
}
