package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/crosslogic/usage-meter/internal/cli"
)

func main() {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
