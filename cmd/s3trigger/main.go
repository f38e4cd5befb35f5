package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"pdf-chat/handler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// ---- Configuration (read only here) ----
	webhookURL := os.Getenv("WEBHOOK_URL")
	if webhookURL == "" {
		logger.Error("required environment variable is not set", "key", "WEBHOOK_URL")
		os.Exit(1)
	}

	f, err := handler.NewForwarder(webhookURL, handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create forwarder", "err", err)
		os.Exit(1)
	}

	lambda.Start(f.Handle)
}
