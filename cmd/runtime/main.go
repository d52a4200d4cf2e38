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

// Command runtime is the process that stands in for the embedded
// target's firmware: it binds the host session port, carries the
// process-lifetime congress and routing state across connections, and
// serves one session at a time the way the real board's runtime serves
// one DRTIO/core-device link at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/timeutil"

	"github.com/m-labs/artiq-comms/congress"
	"github.com/m-labs/artiq-comms/flashconfig"
	"github.com/m-labs/artiq-comms/internal/boardident"
	"github.com/m-labs/artiq-comms/mailbox"
	"github.com/m-labs/artiq-comms/routing"
	"github.com/m-labs/artiq-comms/scheduler"
	"github.com/m-labs/artiq-comms/session"
	"github.com/m-labs/artiq-comms/watchdog"
)

var (
	fListenAddr = flag.String("listen", ":1381", "address the core device session port binds to")
	fBoard      = flag.String("board", string(boardident.Kasli), "board identity: kasli, sayma_amc, metlino or kc705")
	fMAC        = flag.String("mac", "", "override MAC address instead of using flash config/EEPROM/default")
	fFlashPath  = flag.String("flash-config", "flash_config.bin", "path to the flash config backing file")
	fFlashSize  = flag.Int64("flash-config-size", 128*1024, "size in bytes of the flash config sector")
	fWatchdogs  = flag.Int("watchdog-capacity", watchdog.DefaultCapacity, "number of simultaneous watchdogs a session may arm")
	fDebug      = flag.Bool("debug", false, "write session debug traces to stderr")
)

func main() {
	flag.Parse()

	debugLogger := log.New(ioutil.Discard, "runtime: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	if *fDebug {
		debugLogger = log.New(os.Stderr, "runtime: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	}
	errorLogger := log.New(os.Stderr, "runtime: ", log.Ldate|log.Ltime|log.Lmicroseconds)

	if err := run(debugLogger, errorLogger); err != nil {
		errorLogger.Fatalf("%v", err)
	}
}

func run(debugLogger, errorLogger *log.Logger) error {
	board := boardident.Board(*fBoard)

	store, err := flashconfig.Open(*fFlashPath, *fFlashSize)
	if err != nil {
		return fmt.Errorf("opening flash config: %w", err)
	}

	configuredMAC := *fMAC
	if configuredMAC == "" {
		if v, ok := store.Read("mac"); ok {
			configuredMAC = string(v)
		}
	}
	mac, err := boardident.ResolveMAC(board, configuredMAC, nil, func(format string, args ...any) {
		errorLogger.Printf(format, args...)
	})
	if err != nil {
		return fmt.Errorf("resolving board MAC: %w", err)
	}
	debugLogger.Printf("board %s identity: mac=%s", board, mac)

	cong := congress.New()
	routingTable := routing.NewTable()
	upLinks := routing.NewUpDestinations()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(timeutil.RealClock(), nil)

	// A real deployment runs this process alongside a kernel CPU that
	// drains the mailbox on its own; nothing here executes kernel
	// bytecode. RunStandInKernel keeps the mailbox handshake live in its
	// absence, so LoadLibrary/RunKernel can still be exercised end to
	// end against this process alone. Both it and the watchdog set are
	// built fresh per connection: watchdog.Set is session-scoped state
	// (armed by whichever kernel is currently running), and sessionCtx is
	// canceled the instant that session's Serve returns, so the stand-in
	// kernel task for a finished connection does not keep running against
	// an orphaned mailbox.
	newSession := func(sessionCtx context.Context) session.Config {
		toKernel := mailbox.NewSlot()
		fromKernel := mailbox.NewSlot()
		sched.Spawn("kernel", 0, func(io *scheduler.Io) {
			session.RunStandInKernel(sessionCtx, io, toKernel, fromKernel)
		})

		return session.Config{
			Congress:    cong,
			Store:       store,
			Watchdogs:   watchdog.New(*fWatchdogs),
			ToKernel:    toKernel,
			FromKernel:  fromKernel,
			RPC:         mailbox.NewRPCQueue(64),
			Routing:     routingTable.Clone(),
			UpLinks:     upLinks.Clone(),
			Ident:       fmt.Sprintf("%s(%s)", board, mac),
			DebugLogger: debugLogger,
			ErrorLogger: errorLogger,
		}
	}

	ln, err := session.Listen(ctx, *fListenAddr, sched, newSession, errorLogger)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *fListenAddr, err)
	}
	defer ln.Close()
	debugLogger.Printf("listening on %s", *fListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		debugLogger.Printf("received %s, shutting down", s)
	case <-ctx.Done():
	}

	cancel()
	ln.Close()
	ln.Wait()
	return nil
}
