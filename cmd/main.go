// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	root := newRootCommand(os.Stdout)
	go func() {
		<-sigs
		slog.Default().Warn("caught signal, stopping...")
		root.cancel()
	}()

	if err := root.Command().Execute(); err != nil {
		slog.Default().Error(err.Error())
		os.Exit(1)
	}
}
