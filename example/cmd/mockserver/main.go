// Standalone fake retailer for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/stockpulse serve -c example/config.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jpalmerr/stockpulse/example/mockretail"
)

func main() {
	fmt.Println("Fake retailer starting on :9999")
	fmt.Println("  JSON API:  http://localhost:9999/api/search?q=elite+trainer+box")
	fmt.Println("  HTML shop: http://localhost:9999/shop/search?q=booster+bundle")
	fmt.Println("Products flip between in stock and sold out every 20-60s")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if err := mockretail.New(slog.Default()).ListenAndServe(":9999"); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
