// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/cpacia/pybitcoin/chaincfg"
)

const (
	defaultLogFilename    = "pybitcoin.log"
	defaultMaxConnections = 10
	defaultUserAgent      = "/pyBitcoin:0.1/"
)

var defaultDataDir = btcutil.AppDataDir("pybitcoin", false)

// config defines the configuration options for the client.
//
// See loadConfig for details on the configuration load process.
type config struct {
	DataDir        string   `short:"b" long:"datadir" description:"Directory to store data"`
	TestNet3       bool     `long:"testnet" description:"Use the test network"`
	Connect        []string `long:"connect" description:"Connect only to the specified peers at startup"`
	MaxConnections int      `long:"maxconnections" description:"Target number of outbound peer connections"`
	UserAgent      string   `long:"useragent" description:"User agent to advertise in the version message"`
	Proxy          string   `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	DebugLevel     string   `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	Watch          []string `long:"watch" description:"Subscribe to the specified addresses"`
	NoHeaders      bool     `long:"noheaders" description:"Do not download or store block headers"`
}

// netParams returns the chain parameters selected by the configuration.
func (c *config) netParams() *chaincfg.Params {
	if c.TestNet3 {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:        defaultDataDir,
		MaxConnections: defaultMaxConnections,
		UserAgent:      defaultUserAgent,
		DebugLevel:     "info",
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	// Append the network name so data for different networks does not
	// mix.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.netParams().Name)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Normalize any --connect entries so a bare host gets the network's
	// default port.
	for i, addr := range cfg.Connect {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			cfg.Connect[i] = net.JoinHostPort(addr,
				cfg.netParams().DefaultPort)
		}
	}
	return &cfg, nil
}
