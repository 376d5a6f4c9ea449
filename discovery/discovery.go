// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package discovery locates candidate peers by querying the well-known DNS
// seeds for the bitcoin network.
package discovery

import (
	"net"
	"strconv"

	"github.com/cpacia/pybitcoin/chaincfg"
)

// LookupFunc is the signature of the DNS lookup function used to resolve
// seed hostnames to IP addresses.  It exists so callers routing traffic
// through a proxy can substitute their own resolver.
type LookupFunc func(string) ([]net.IP, error)

// SeedFromDNS resolves each DNS seed configured for the passed network
// parameters and returns one TCP address per resolved A record, paired with
// the network's default port.  Seeds that fail to resolve are skipped.
func SeedFromDNS(params *chaincfg.Params, lookupFn LookupFunc) []net.TCPAddr {
	port, err := strconv.Atoi(params.DefaultPort)
	if err != nil {
		return nil
	}

	var addrs []net.TCPAddr
	for _, seed := range params.DNSSeeds {
		ips, err := lookupFn(seed.Host)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			addrs = append(addrs, net.TCPAddr{IP: ip, Port: port})
		}
	}
	return addrs
}

// DNSDiscover returns seed peer addresses for either mainnet or testnet3
// using the system resolver.
func DNSDiscover(testnet bool) []net.TCPAddr {
	params := &chaincfg.MainNetParams
	if testnet {
		params = &chaincfg.TestNet3Params
	}
	return SeedFromDNS(params, net.LookupIP)
}
