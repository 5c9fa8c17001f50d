// Command swarmd is the BitTorrent client daemon: it loads config,
// starts a session of torrents, and serves the RPC control surface
// until told to shut down.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreswarm/swarmd/internal/config"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/session"
)

func main() {
	configPath := flag.String("config", "~/.swarmd/config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.SetLevel(*debug)
	log := logger.New("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorln("could not load config:", err)
		os.Exit(1)
	}

	s, err := session.New(cfg)
	if err != nil {
		log.Errorln("could not start session:", err)
		os.Exit(1)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC

	log.Infoln("shutting down")
	done := make(chan struct{})
	go func() {
		if err := s.Close(); err != nil {
			log.Errorln("error during shutdown:", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(cfg.RPCShutdownTimeout + 5*time.Second):
		log.Warningln("shutdown timed out, exiting anyway")
	}
}
