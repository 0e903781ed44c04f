package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/khankhulgun/offlinemap/importer"
)

// workerCommand is the hidden command the process runner starts.
const workerCommand = "import-worker"

// runWorker serves one import job over stdin and stdout. An interrupt from
// the parent aborts the job after the current batch.
func runWorker() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return importer.ServeWorker(ctx, os.Stdin, os.Stdout)
}
