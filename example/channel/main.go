package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/pmlab/pm-ingest/pkg/pmingest"
)

func main() {
	flow, err := pmingest.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, batches, closeBatches := pmingest.NewChannelSink("fanout", 32)
	defer closeBatches()

	go energyWorker(batches)

	if err := flow.Run(ctx, pmingest.WithMirror(sink)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

// energyWorker integrates active power between consecutive readings.
func energyWorker(batches <-chan []pmingest.Measurement) {
	var (
		last   time.Time
		lastP  float64
		joules float64
	)
	for batch := range batches {
		for _, m := range batch {
			if !last.IsZero() {
				joules += lastP * m.Timestamp.Sub(last).Seconds()
			}
			last, lastP = m.Timestamp, m.P
		}
		fmt.Printf("[energy] %d readings, total %.3f Wh\n", len(batch), joules/3600)
	}
}
