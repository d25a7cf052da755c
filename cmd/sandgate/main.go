package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/AnishMulay/sandgate/internal/config"
	"github.com/AnishMulay/sandgate/servers/node"
)

func main() {
	var (
		configPath = flag.String("config", "./sandgate.yaml", "Config file, created with defaults if missing")
		nodeID     = flag.String("node-id", "", "Override node.id")
		listen     = flag.String("listen", "", "Override node.listen_address")
		advertise  = flag.String("advertise", "", "Override node.advertise_address")
		showEnv    = flag.Bool("env-help", false, "Print the environment variables and exit")
	)
	flag.Parse()

	if *showEnv {
		fmt.Fprintln(os.Stdout, config.Usage())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *listen != "" {
		cfg.Node.ListenAddress = *listen
	}
	if *advertise != "" {
		cfg.Node.AdvertiseAddr = *advertise
	}

	gw, err := node.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}
	if err := gw.Run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
