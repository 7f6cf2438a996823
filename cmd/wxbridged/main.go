package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/whatsappx/matrix-bridge/internal/daemon"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wxbridge.toml"
	}
	return filepath.Join(home, ".wxbridge", "config.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to the bridge config file")
	flag.Parse()

	if _, err := os.Stat(*configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: config file %s: %v\n", *configFlag, err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
