// Command licensed runs the license verification engine and its sidecar API.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/2sic/resizer/internal/app"
	"github.com/2sic/resizer/internal/infrastructure"
)

func main() {
	os.Exit(run())
}

func run() int {
	defer func() { _ = infrastructure.CloseLogFile() }()

	application, err := app.NewApplication(context.Background())
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		return 1
	}

	if err := application.Run(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
