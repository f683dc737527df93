// Command headcount counts and recognises people across a set of cameras and
// publishes crossing, recognition and connection events downstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/headcount/internal/config"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to the JSON configuration file")
	dbPath        = flag.String("db", "headcount.db", "Path to the SQLite database")
	devMode       = flag.Bool("dev", false, "Run synthetic cameras with the annotated backend")
	devIdentities = flag.String("dev-identities", "", "Identities import file seeded in dev mode (default: built-in demo identities)")
	metricsListen = flag.String("metrics-listen", "", "Listen address for /metrics, /healthz and /status (overrides metrics.listen)")
	verbose       = flag.Bool("verbose", false, "Log per-frame diagnostics")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()
	monitoring.SetVerbose(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if flag.NArg() > 0 {
		args := flag.Args()[1:]
		switch command := flag.Arg(0); command {
		case "migrate":
			err = migrateCommand(os.Stdout, args, *dbPath)
		case "identities":
			err = identitiesCommand(context.Background(), os.Stdout, args, *dbPath, cfg.GetEmbeddingDim())
		case "version":
			fmt.Println(version.String())
		case "help":
			printUsage()
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
			printUsage()
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("%s: %v", flag.Arg(0), err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{
		configPath:    *configPath,
		dbPath:        *dbPath,
		dev:           *devMode,
		devIdentities: *devIdentities,
		listen:        *metricsListen,
	}
	if opts.listen == "" {
		opts.listen = cfg.GetMetricsListen()
	}
	if err := run(ctx, cfg, opts); err != nil {
		log.Fatalf("headcount: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig returns an empty configuration, which yields the defaults,
// when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

func printUsage() {
	fmt.Println(`headcount - people counting and recognition pipeline

Usage: headcount [flags] [command]

Without a command the pipeline runs until SIGINT or SIGTERM. SIGHUP re-reads
the config file: cameras are started, stopped or restarted as needed and
counting lines and zones are swapped in place.

Commands:
  migrate up|down|status       Manage the SQLite schema
  identities import <file>     Register identities from a JSON import file
  identities remove <id>       Delete a registered identity
  identities count             Show how many identities are registered
  version                      Show version information
  help                         Show this help message

Flags:`)
	flag.PrintDefaults()
}
