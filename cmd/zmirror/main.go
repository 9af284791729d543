package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatbus/internal/app"
	"chatbus/internal/runtime/lifecycle"
)

func main() {
	var cfgPath, resendLog string
	flag.StringVar(&cfgPath, "config", "./zmirror.json", "path to config json/yaml")
	flag.StringVar(&resendLog, "resend-log", "", "replay a resend log through the bus and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, err := app.NewMirror(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if resendLog != "" {
		n, err := m.Replay(ctx, resendLog)
		fmt.Printf("replayed %d notices\n", n)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	err = m.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stopped:", err)
	}
	os.Exit(lifecycle.ExitCode(lifecycle.ReasonFor(err)))
}
