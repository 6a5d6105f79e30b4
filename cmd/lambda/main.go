package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/TheMichaelB/cryptodo/internal/lambda/handler"
)

// Global handler instance for reuse across warm starts
var h *handler.Handler

func init() {
	var err error
	h, err = handler.NewFromEnvironment(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize handler: %v", err)
	}
}

func handleRequest(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	return h.Invoke(ctx, payload)
}

func main() {
	lambda.Start(handleRequest)
}
