// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"os"

	"github.com/codegangsta/cli"

	"github.com/westerndigitalcorporation/softraid/internal/engine"
)

/*

Node timing parameters are configured in three steps:

  (1) Defaults are pulled from 'engine.DefaultProdConfig'.

  (2) An optional configuration file in json format given with '--config'
      overrides the defaults.

  (3) Individual global flags, e.g. '--start-timeout=5s', override the
      values set in the previous two steps.

*/

// loadConfig builds the node configuration from the global flags of 'c'.
func loadConfig(c *cli.Context) (engine.Config, error) {
	cfg := engine.DefaultProdConfig

	if path := c.GlobalString("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err = json.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, err
		}
	}

	// Zero means the flag wasn't given.
	if d := c.GlobalDuration("start-timeout"); d != 0 {
		cfg.StartTimeout = d
	}
	if d := c.GlobalDuration("poll-interval"); d != 0 {
		cfg.PollInterval = d
	}
	if d := c.GlobalDuration("clean-delay"); d != 0 {
		cfg.CleanDelay = d
	}

	return cfg, cfg.Validate()
}
