package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/metalagman/deeprun/internal/fault"
)

// Exit codes: 0 clean, 1 fatal, 2 lease lost on shutdown (restartable).
func main() {
	_ = godotenv.Load()
	if err := Execute(); err != nil {
		if fault.Is(err, fault.CodeLeaseLost) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
