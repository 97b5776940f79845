// main.go - mix node daemon entry point.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vx0net/mixnode/config"
	"github.com/vx0net/mixnode/server"
)

func main() {
	cfgFile := flag.String("f", "mixnode.toml", "path to the node configuration file")
	generateOnly := flag.Bool("g", false, "generate the node's long-term keys and exit")
	flag.Parse()

	raw, err := os.ReadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnode: failed to read config file '%v': %v\n", *cfgFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixnode: failed to parse config file '%v': %v\n", *cfgFile, err)
		os.Exit(1)
	}
	if *generateOnly {
		cfg.Debug.GenerateOnly = true
	}

	s, err := server.New(cfg)
	if err != nil {
		if *generateOnly && errors.Is(err, server.ErrGenerateOnly) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "mixnode: failed to start server: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	s.Shutdown()
}
