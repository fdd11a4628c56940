package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/matheus3301/multichat/internal/config"
	"github.com/matheus3301/multichat/internal/daemon"
	"github.com/matheus3301/multichat/internal/profile"
	flag "github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	profileFlag := flag.StringP("profile", "p", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.multichat/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = profile.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	name, err := profile.Resolve(*profileFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile.For(name), Config: cfg}),
		fx.NopLogger,
	)
	app.Run()
}
