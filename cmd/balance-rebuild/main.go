package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	orgID := flag.String("org-id", "", "Required: organization id")
	lineItemID := flag.Int("line-item-id", 0, "Optional: rebuild a single line item")
	flag.Parse()

	if strings.TrimSpace(*orgID) == "" {
		fmt.Fprintln(os.Stderr, "--org-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	rebuilt, err := workflow.RebuildLineItemBalances(db, logger, strings.TrimSpace(*orgID), *lineItemID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed after %d line items: %v\n", rebuilt, err)
		os.Exit(1)
	}
	fmt.Printf("balance rebuild complete (%d line items)\n", rebuilt)
}
