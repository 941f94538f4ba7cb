package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/arnavshah/rota-api-go/pkg/auth"
	"github.com/arnavshah/rota-api-go/pkg/config"
)

func main() {
	envFile := pflag.String("env", "", "path to a .env file (default: search .env, ../.env, ../../.env)")
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: keygen [--env FILE] <name>")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *envFile != "" {
		config.LoadDotEnv(*envFile)
	} else {
		config.LoadDotEnv()
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}
	name := pflag.Arg(0)

	secret := os.Getenv("API_MASTER_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: API_MASTER_SECRET not found in environment or .env")
		os.Exit(1)
	}
	// The JWT secret plays no part in key signing
	a, err := auth.New("unused", secret)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	fmt.Printf("Generated Key for %s:\n%s\n", name, a.GenerateHMACKey(name))
}
