// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"
)

func main() {
	// We should send our own log output to stderr. The remaining glog flags
	// are set through the cli's global flags.
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)

	cli := newRaidCli()

	// Catch INT and TERM signals so the nodes are torn down and the catalog is
	// closed when the process is forced to quit.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cli.stop()
		os.Exit(1)
	}()

	err := cli.run(os.Args)
	cli.stop()
	if err != nil {
		log.Errorf("%s", err)
		log.Flush()
		os.Exit(1)
	}
}
