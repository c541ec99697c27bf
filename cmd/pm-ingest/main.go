package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pmlab/pm-ingest/pkg/pmingest"
)

func main() {
	if len(os.Args) < 2 {
		// No subcommand behaves like the plain device backend.
		if err := runCommand(nil); err != nil {
			log.Fatalf("pm-ingest run: %v", err)
		}
		return
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("pm-ingest %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to configuration file (built-in defaults when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := pmingest.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := pmingest.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

const (
	statAccepted = "pm_measurements_accepted_total"
	statRejected = "pm_measurements_rejected_total"
	statQueue    = "pm_queue_length"
	statLogBytes = "pm_log_size_bytes"
)

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets, err := scrapeTargets(resp.Body)
	if err != nil {
		return err
	}

	fmt.Printf("[%s] accepted=%.0f rejected=%.0f queue=%.0f log_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets[statAccepted],
		targets[statRejected],
		targets[statQueue],
		targets[statLogBytes],
	)
	return nil
}

// scrapeTargets sums each tracked metric across its label sets.
func scrapeTargets(r io.Reader) (map[string]float64, error) {
	targets := map[string]float64{
		statAccepted: 0,
		statRejected: 0,
		statQueue:    0,
		statLogBytes: 0,
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		if i := strings.IndexByte(name, '{'); i >= 0 {
			name = name[:i]
		}
		if _, tracked := targets[name]; !tracked {
			continue
		}
		var value float64
		if _, err := fmt.Sscanf(strings.TrimSpace(rest), "%g", &value); err == nil {
			targets[name] += value
		}
	}
	return targets, scanner.Err()
}

func printUsage() {
	fmt.Printf(`pm-ingest: power meter telemetry backend

Usage:
  pm-ingest <command> [flags]

Commands:
  run        Start the HTTP ingester (default when no command is given)
  validate   Load and validate a config file without starting the runtime
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  pm-ingest run
  pm-ingest run -config ./data/config.yaml
  pm-ingest validate -config ./data/config.yaml
  pm-ingest stats -url http://localhost:9100/metrics -interval 1s
`)
}
