package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/multichat/internal/client"
	"github.com/matheus3301/multichat/internal/config"
	"github.com/matheus3301/multichat/internal/profile"
	flag "github.com/spf13/pflag"
)

const callTimeout = 30 * time.Second

func main() {
	profileFlag := flag.StringP("profile", "p", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		fatalf("%v", err)
	}
	name, err := profile.Resolve(*profileFlag, cfg)
	if err != nil {
		fatalf("%v", err)
	}

	c, err := client.New(profile.For(name).Socket())
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if len(args)-1 < cmd.minArgs {
		fatalf("usage: multichatctl %s %s", args[0], cmd.usage)
	}
	out := &printer{json: *jsonFlag}
	if err := cmd.run(ctx, c, out, args[1:]); err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: multichatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Fprintf(os.Stderr, "  %-32s %s\n", name+" "+cmd.usage, cmd.help)
	}
}
