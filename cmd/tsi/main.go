//go:build linux

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command tsi is the Target System Interface worker entrypoint: read
// the properties config, drop into the per-connection dispatch loop
// over a stdio Connector, per original_source/lib/TSI.py:main. One
// process handles exactly one client connection (spec.md §5); the
// out-of-scope transport layer is expected to spawn one tsi process
// per incoming connection (e.g. as an SSH forced command) and wire its
// control channel to this process's stdin/stdout.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/unicore-eu/tsi/internal/bss"
	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/dispatch"
	"github.com/unicore-eu/tsi/internal/handlers"
	"github.com/unicore-eu/tsi/internal/identity"
	"github.com/unicore-eu/tsi/internal/privcheck"
	"github.com/unicore-eu/tsi/internal/procutil"
	"github.com/unicore-eu/tsi/internal/reservation"
	"github.com/unicore-eu/tsi/internal/tsilog"
	"github.com/unicore-eu/tsi/internal/uftp"
	"github.com/unicore-eu/tsi/internal/usercache"
	"github.com/unicore-eu/tsi/internal/version"
)

const defConfigLoc = "/etc/unicore/tsi.properties"

// stdio adapts the process's standard streams to io.ReadWriteCloser
// for connector.New, matching the SSH-forced-command deployment model
// original_source's Server.connect() targets: the transport layer
// spawns one tsi process per connection and wires its control channel
// to this process's stdin/stdout.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }

var (
	cfgFlag     = flag.String("config-override", "", "Override config file path")
	versionFlag = flag.Bool("version", false, "Print version and exit")
	cfgFile     string
)

func init() {
	cfgFile = defConfigLoc
	flag.Parse()
	if *cfgFlag != "" {
		cfgFile = *cfgFlag
	}
	if args := flag.Args(); len(args) > 0 {
		// original_source's TSI.py takes the config file as argv[1];
		// keep that invocation working alongside -config-override.
		cfgFile = args[0]
	}
}

func main() {
	if *versionFlag {
		version.PrintVersion(os.Stdout)
		return
	}

	procutil.MaxProcTune(2)

	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	lg := newLogger(cfg)
	lg.Infof("starting TSI %s (worker %s)", version.String(), cfg.WorkerID())
	lg.SetAppName("tsi-worker-" + cfg.WorkerID())

	cfg.ResolveAllowedIPs(func(format string, args ...interface{}) {
		lg.Warnf(format, args...)
	})

	sc := identity.ProdSyscalls{}
	if err := identity.Initialize(cfg, sc); err != nil {
		lg.Fatalf("identity initialization failed: %v", err)
	}
	if err := privcheck.Preflight(cfg.SwitchUID()); err != nil {
		// Advisory only: the identity switch itself is the fail-closed
		// gate (spec.md §4.C step 4's verify-or-fail), so a missing
		// capability surfaces here as an early warning, not a refusal
		// to start.
		lg.Warnf("capability preflight: %v (identity switches may fail)", err)
	}

	release, err := acquireWorkerLock(cfg.WorkerID())
	if err != nil {
		lg.Fatalf("could not acquire worker lock: %v", err)
	}
	defer release()

	normalizeUmask()

	if err := os.Chdir(cfg.SafeDir()); err != nil {
		lg.Fatalf("could not chdir to safe_dir %s: %v", cfg.SafeDir(), err)
	}

	cache := usercache.New(
		time.Duration(cfg.UserCacheTTLSeconds())*time.Second,
		cfg.UseIDToResolveGids(),
		usercache.OSResolver{},
	)
	switcher := identity.New(cfg, sc, lg)

	builder := handlers.NewBuilder(lg)
	bss.New(cfg).Register(builder)
	uftp.New(cfg).Register(builder)
	reservation.New(cfg).Register(builder)
	registry := builder.Build()

	conn := connector.New(stdio{})

	loop := &dispatch.Loop{
		Conn:     conn,
		Config:   cfg,
		Cache:    cache,
		Switcher: switcher,
		Registry: registry,
		Log:      lg,
	}
	if err := loop.Run(); err != nil {
		lg.Fatalf("worker terminating: %v", err)
	}
	lg.Infof("worker exiting cleanly")
}

// normalizeUmask mirrors original_source's "my_umask = os.umask(0o22);
// os.umask(my_umask)": query the inherited umask and immediately
// restore it, so any later code that relies on os.Umask's return value
// observes the real inherited mask rather than 0o22.
func normalizeUmask() {
	mask := syscall.Umask(0o22)
	syscall.Umask(mask)
}

func newLogger(cfg *config.Config) *tsilog.Logger {
	lg := tsilog.New(os.Stderr)
	if cfg.Debug() {
		lg.SetLevel(tsilog.DEBUG)
	} else {
		lg.SetLevel(tsilog.INFO)
	}
	lg.EnableSyslogFraming(cfg.UseSyslog())
	return lg
}

// acquireWorkerLock takes an exclusive file lock keyed by worker.id,
// so two TSI processes never run with the same worker.id at once
// (the lock file path doubles as that invariant's enforcement point,
// since spec.md's Config treats worker.id as a runtime-distinguishing
// tag rather than a uniqueness-enforcing mechanism on its own).
func acquireWorkerLock(workerID string) (release func(), err error) {
	path := fmt.Sprintf("/var/run/tsi-worker-%s.lock", workerID)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("worker id %s is already running", workerID)
	}
	return func() { fl.Unlock() }, nil
}
