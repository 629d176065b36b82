package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/metalagman/deeprun/internal/app"
)

// withRuntime builds the shared dependency graph, fills the given
// pointers and returns a teardown for the deferred call.
func withRuntime(ctx context.Context, targets ...any) (func(), error) {
	stop, err := app.Populate(ctx, cfg, targets...)
	if err != nil {
		return nil, err
	}
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = stop(stopCtx)
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
