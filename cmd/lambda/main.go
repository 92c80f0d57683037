// Command lambda serves the API behind an API Gateway HTTP API.
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/app"
	"github.com/ngoyal88/ragsearch/pkg/config"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// No file watching inside a function instance.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	a, err := app.New(context.Background(), config.NewStore(cfg), logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	// Flush request logs before the instance can be frozen.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Handler.ServeHTTP(w, r)
		a.Service.Wait()
	})

	lambda.Start(httpadapter.NewV2(handler).ProxyWithContext)
}
