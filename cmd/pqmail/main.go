// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/katzenpost/pqmail/config"
	"github.com/katzenpost/pqmail/gateway"
)

func main() {
	cfgFile := flag.String("f", "pqmail.toml", "Path to the gateway config file.")
	version := flag.Bool("v", false, "Print the version and exit.")
	flag.Parse()

	if *version {
		fmt.Printf("pqmail %s\n", versioninfo.Short())
		os.Exit(0)
	}

	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	// Start up the gateway.
	svr, err := gateway.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to spawn gateway instance: %v\n", err)
		os.Exit(-1)
	}
	defer svr.Shutdown()

	// Halt the gateway gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Wait for the gateway to explode or be terminated.
	svr.Wait()
}
