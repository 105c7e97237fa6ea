// Package healthprobe drives liveness probes against one or more broadcast
// channels and renders the results for operators or scripts.
package healthprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"tableside/notify/internal/health"
)

// Result pairs a probed URL with its classified outcome in a shape stable
// enough for scripting.
type Result struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	RTTms  int64  `json:"rtt_ms"`
	Detail string `json:"detail,omitempty"`
}

// Probe checks every channel URL in order and reports one result each.
func Probe(ctx context.Context, urls []string, deadline time.Duration) []Result {
	checker := health.NewChecker(deadline)
	results := make([]Result, 0, len(urls))
	for _, url := range urls {
		report := checker.CheckChannel(ctx, url)
		results = append(results, Result{
			URL:    report.URL,
			Status: report.Status.String(),
			RTTms:  report.RTT.Milliseconds(),
			Detail: report.Message,
		})
	}
	return results
}

// AllHealthy reports whether every probe came back healthy, for exit codes.
func AllHealthy(results []Result) bool {
	for _, result := range results {
		if result.Status != health.Healthy.String() {
			return false
		}
	}
	return true
}

// WriteJSON emits the results as a JSON array.
func WriteJSON(w io.Writer, results []Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(results)
}

// WriteText emits one human-readable line per probe.
func WriteText(w io.Writer, results []Result) {
	for _, result := range results {
		switch {
		case result.Detail != "":
			fmt.Fprintf(w, "%s\t%s\t%s\n", result.URL, result.Status, result.Detail)
		default:
			fmt.Fprintf(w, "%s\t%s\t%dms\n", result.URL, result.Status, result.RTTms)
		}
	}
}
