package main

import (
	"github.com/flare-foundation/contract-event-indexer/pkg/framework"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
)

func main() {
	if err := framework.Run(); err != nil {
		logger.Fatal(err)
	}
}
