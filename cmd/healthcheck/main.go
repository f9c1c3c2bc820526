// Command healthcheck probes the local control server and exits non-zero
// when it is unhealthy. Pass -ready to require a live chat connection.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "probe /readyz instead of /healthz")
	flag.Parse()

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	os.Exit(probe(context.Background(), "http://"+addr, *ready))
}

func probe(ctx context.Context, base string, ready bool) int {
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
