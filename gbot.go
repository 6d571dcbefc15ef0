package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/omrylcn/gbot-sub000/cmd/gbot"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// .env is optional
	_ = godotenv.Load()

	cli.Version = version
	if err := cli.SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
