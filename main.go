package main

import (
	"log/slog"
	"os"

	"checkout-service/internal/cli"
	"checkout-service/pkg/logkey"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		slog.Error("checkout-service failed", slog.String(logkey.ERROR, err.Error()))
		os.Exit(1)
	}
}
