// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/smp"
)

// tomlConfig describes the TOML-configuration of smpd.
type tomlConfig struct {
	SMP    smp.Config `toml:"smp"`
	HTTP   httpConf   `toml:"http"`
	Daemon daemonConf `toml:"daemon"`
}

// httpConf describes the HTTP-configuration block, serving WebSocket sessions, statistics and metrics.
type httpConf struct {
	// Listen address, e.g., ":8080". An empty address disables the HTTP server.
	Listen    string
	WebSocket string `toml:"websocket"`
	Metrics   bool
}

// daemonConf describes the Daemon-configuration block.
type daemonConf struct {
	Profile bool
	// Echo each received CMD and DATA packet back on its stream.
	Echo bool
	// Greeting is sent on a new stream to each accepted connection, if not empty.
	Greeting string
}

func defaultConfig() tomlConfig {
	conf := smp.DefaultConfig()
	conf.Hostname = "0.0.0.0"

	return tomlConfig{
		SMP: conf,
		HTTP: httpConf{
			Listen:    ":8080",
			WebSocket: "/ws",
			Metrics:   true,
		},
		Daemon: daemonConf{
			Echo: true,
		},
	}
}

// parseConfig reads a configuration file on top of the defaults.
func parseConfig(filename string) (conf tomlConfig, err error) {
	conf = defaultConfig()

	md, err := toml.DecodeFile(filename, &conf)
	if err != nil {
		return
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.WithFields(log.Fields{
			"file": filename,
			"keys": undecoded,
		}).Warn("Configuration contains unknown keys")
	}

	if err = conf.SMP.Validate(); err != nil {
		err = fmt.Errorf("invalid smp block: %w", err)
		return
	}
	if conf.HTTP.Listen != "" && conf.HTTP.WebSocket == "" {
		err = fmt.Errorf("http.websocket must name a path")
		return
	}
	return
}
