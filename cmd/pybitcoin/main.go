// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/cpacia/pybitcoin"
	"github.com/cpacia/pybitcoin/blockchain"
	"github.com/cpacia/pybitcoin/discovery"
)

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(filepath.Join(cfg.DataDir, defaultLogFilename)); err != nil {
		return err
	}
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	params := cfg.netParams()
	mainLog.Infof("Starting pybitcoin on %s", params.Name)

	var chain *blockchain.BlockDatabase
	if !cfg.NoHeaders {
		chain, err = blockchain.NewBlockDatabase(
			filepath.Join(cfg.DataDir, "headers"), params)
		if err != nil {
			return err
		}
		defer chain.Close()
		mainLog.Infof("Header database tip %v (height %d)",
			chain.TipHash(), chain.Height())
	}

	var addrs []net.TCPAddr
	if len(cfg.Connect) > 0 {
		for _, connect := range cfg.Connect {
			tcpAddr, err := net.ResolveTCPAddr("tcp", connect)
			if err != nil {
				return fmt.Errorf("invalid connect address %q: %w",
					connect, err)
			}
			addrs = append(addrs, *tcpAddr)
		}
	} else {
		addrs = discovery.SeedFromDNS(params, net.LookupIP)
		mainLog.Infof("DNS discovery returned %d peers", len(addrs))
	}

	client, err := pybitcoin.NewClient(addrs, pybitcoin.Config{
		Params:         params,
		Chain:          chain,
		UserAgent:      cfg.UserAgent,
		MaxConnections: cfg.MaxConnections,
		Proxy:          cfg.Proxy,
	})
	if err != nil {
		return err
	}

	for _, watch := range cfg.Watch {
		addr := watch
		err := client.SubscribeAddress(addr, func(tx *btcutil.Tx, confirmations uint32) {
			mainLog.Infof("Address %s: tx %v has %d confirmations",
				addr, tx.Hash(), confirmations)
		})
		if err != nil {
			return fmt.Errorf("cannot watch %q: %w", watch, err)
		}
	}

	client.Start()
	defer client.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	mainLog.Info("Shutting down...")
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
