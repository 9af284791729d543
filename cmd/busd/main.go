package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbus/internal/app"
	"chatbus/internal/runtime/lifecycle"
)

func main() {
	var cfgPath, createUser string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&createUser, "create-user", "", `create a user ("email,full name[,realm]"), print its API key and exit`)
	flag.Parse()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if createUser != "" {
		u, err := a.CreateUser(context.Background(), createUser)
		_ = a.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		fmt.Printf("%s %s\n", u.Email, u.APIKey)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case s := <-sigCh:
		reason = app.ReasonForSignal(s)
	case <-a.Done():
		reason = lifecycle.ReasonFor(a.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.Stop(ctx, reason)
	cancel()
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "stopped:", err)
	}
	os.Exit(lifecycle.ExitCode(reason))
}
