// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package boardident resolves the MAC and IP address a board's session
// listener binds to, following original_source/artiq/firmware/runtime/main.rs's
// precedence exactly: an explicit flash config value wins, then (MAC
// only) a value read from board EEPROM, then a fixed per-board default
// logged as a warning.
package boardident

import (
	"fmt"
	"net"
)

// Board names the four supported targets, matching main.rs's soc_platform
// cfg values.
type Board string

const (
	Kasli    Board = "kasli"
	SaymaAMC Board = "sayma_amc"
	Metlino  Board = "metlino"
	KC705    Board = "kc705"
)

// defaultMAC is the hard-coded fallback EUI-48 per board.
var defaultMAC = map[Board][6]byte{
	Kasli:    {0x02, 0x00, 0x00, 0x00, 0x00, 0x21},
	SaymaAMC: {0x02, 0x00, 0x00, 0x00, 0x00, 0x11},
	Metlino:  {0x02, 0x00, 0x00, 0x00, 0x00, 0x19},
	KC705:    {0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
}

// defaultIPv4Host is the fourth octet of the per-board default /24
// address 192.168.1.x.
var defaultIPv4Host = map[Board]byte{
	Kasli:    70,
	SaymaAMC: 60,
	Metlino:  65,
	KC705:    50,
}

// EEPROMReader reads a board's EUI-48 from its I2C EEPROM. Only kasli
// boards have one wired up in main.rs; other boards never call this.
type EEPROMReader interface {
	ReadEUI48() ([6]byte, error)
}

// Warnf receives the same "using default ... consider changing it"
// warnings main.rs logs when falling through to a hard-coded default.
type Warnf func(format string, args ...any)

// ResolveMAC follows flash config, then (kasli only) EEPROM, then the
// board's hard-coded default.
func ResolveMAC(board Board, configured string, eeprom EEPROMReader, warn Warnf) (net.HardwareAddr, error) {
	if configured != "" {
		addr, err := net.ParseMAC(configured)
		if err != nil {
			return nil, fmt.Errorf("boardident: invalid mac config value %q: %w", configured, err)
		}
		return addr, nil
	}

	if board == Kasli && eeprom != nil {
		if raw, err := eeprom.ReadEUI48(); err == nil {
			addr := net.HardwareAddr(raw[:])
			if warn != nil {
				warn("using MAC address %s from EEPROM", addr)
			}
			return addr, nil
		} else if warn != nil {
			warn("failed to read MAC address from EEPROM: %v", err)
		}
	}

	raw, ok := defaultMAC[board]
	if !ok {
		return nil, fmt.Errorf("boardident: unknown board %q", board)
	}
	addr := net.HardwareAddr(raw[:])
	if warn != nil {
		warn("using default MAC address %s; consider changing it", addr)
	}
	return addr, nil
}

// ResolveIP follows flash config, then the board's hard-coded /24
// default. Unlike MAC, there is no EEPROM fallback for the IP address.
func ResolveIP(board Board, configured string) (net.IP, error) {
	if configured != "" {
		ip := net.ParseIP(configured)
		if ip == nil {
			return nil, fmt.Errorf("boardident: invalid ip config value %q", configured)
		}
		return ip, nil
	}

	host, ok := defaultIPv4Host[board]
	if !ok {
		return nil, fmt.Errorf("boardident: unknown board %q", board)
	}
	return net.IPv4(192, 168, 1, host), nil
}
