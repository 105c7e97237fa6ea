package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tableside/notify/tools/healthprobe"
)

func main() {
	deadline := flag.Duration("deadline", 5*time.Second, "probe round-trip deadline")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		urls = []string{"ws://localhost:8080/ws", "ws://localhost:8081/ws"}
	}

	results := healthprobe.Probe(context.Background(), urls, *deadline)

	if *jsonFlag {
		if err := healthprobe.WriteJSON(os.Stdout, results); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else {
		healthprobe.WriteText(os.Stdout, results)
	}

	if !healthprobe.AllHealthy(results) {
		os.Exit(1)
	}
}
