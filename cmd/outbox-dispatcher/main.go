package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/workflow"
)

func main() {
	batchSize := flag.Int("batch-size", 50, "Outbox rows claimed per poll")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "Delay between polls")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	dispatcher := workflow.NewOutboxDispatcher(db, logger)
	if *batchSize > 0 {
		dispatcher.BatchSize = *batchSize
	}
	if *pollInterval > 0 {
		dispatcher.PollInterval = *pollInterval
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("outbox dispatcher %s running (batch=%d poll=%s)\n",
		dispatcher.DispatcherID, dispatcher.BatchSize, dispatcher.PollInterval)
	dispatcher.Run(ctx)
	fmt.Println("outbox dispatcher stopped")
}
