package main

import (
	"log"

	"github.com/austindbirch/harbor_queue/cmd/queuectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
