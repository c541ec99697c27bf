package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/pmlab/pm-ingest/pkg/pmingest"
)

func main() {
	flow, err := pmingest.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch []pmingest.Measurement) error {
		for _, m := range batch {
			fmt.Printf("%s P=%gW S=%gVA PF=%g\n", m.Timestamp.Format(pmingest.TimestampLayout), m.P, m.S, m.PF)
		}
		return nil
	}

	if err := flow.Run(ctx, pmingest.WithMirror(pmingest.NewCallbackSink("stdout", callback))); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
