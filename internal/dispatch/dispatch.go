// Package dispatch implements the per-worker request loop (spec.md
// §4.D): read one message, resolve its command tag, switch identity if
// required, invoke the registered handler, restore identity
// unconditionally, and write the transaction terminator. It is a
// direct re-expression of original_source/lib/TSI.py's process() and
// handle_function() as explicit Go control flow over the injectable
// Connector/Identity/UserCache/Registry boundaries the rest of this
// module defines.
package dispatch

import (
	"errors"
	"io"
	"os"
	"runtime"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/handlers"
	"github.com/unicore-eu/tsi/internal/identity"
	"github.com/unicore-eu/tsi/internal/message"
	"github.com/unicore-eu/tsi/internal/tsierr"
	"github.com/unicore-eu/tsi/internal/usercache"
)

// Logger is the minimal logging surface the loop needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// PAMSession is the pluggable PAM session hook spec.md §4.D references
// ("optionally open a PAM session for the user"); out of scope per
// spec.md §1, consumed only where the core touches it.
type PAMSession interface {
	Open(user string) error
	Close() error
}

type noopPAM struct{}

func (noopPAM) Open(string) error { return nil }
func (noopPAM) Close() error      { return nil }

// forkingCommands are the command families fork-per-request applies to
// when open_user_sessions is enabled, per spec.md §4.D "Handler
// protocol" / §5.
var forkingCommands = map[string]bool{
	"TSI_EXECUTESCRIPT": true,
	"TSI_SUBMIT":         true,
	"TSI_UFTP":           true,
}

// Loop runs one worker's cooperative request loop (spec.md §5: "one
// worker process handles one client connection serially"). It returns
// nil on clean peer shutdown and a non-nil error only for conditions
// the caller must treat as fatal (a RestoreError).
type Loop struct {
	Conn     connector.Connector
	Config   *config.Config
	Cache    *usercache.Cache
	Switcher *identity.Switcher
	Registry *handlers.Registry
	Log      Logger
	PAM      PAMSession

	// Isolate runs fn isolated from the loop's own OS-thread identity,
	// per runIsolated's doc comment (fork_unix.go). Defaults to
	// runIsolated if nil; overridable in tests.
	Isolate func(fn func() error) error
}

// Run executes the loop until peer shutdown or a fatal error.
//
// It pins itself to its OS thread for its entire lifetime before the
// first BecomeUser/RestoreID call and never unlocks: per
// identity/syscalls_unix.go, ProdSyscalls issues raw
// Setresuid/Setresgid/Setgroups syscalls that change only the calling
// OS thread's credentials on Linux. An unpinned goroutine can be
// migrated to a different thread mid-request (so the handler never
// observes the switched identity) or, worse, have the thread whose
// credentials were switched to a user handed back to the scheduler and
// reused by a later, unrelated goroutine. This loop runs for the
// lifetime of the worker process, so the lock is never released, the
// same reasoning fork_unix.go's runIsolated applies to its own
// goroutine.
func (l *Loop) Run() error {
	runtime.LockOSThread()
	if l.Log == nil {
		l.Log = noopLogger{}
	}
	if l.PAM == nil {
		l.PAM = noopPAM{}
	}
	if l.Isolate == nil {
		l.Isolate = runIsolated
	}
	known := l.Registry.Known()

	for {
		raw, err := l.Conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.Log.Infof("peer shutdown, exiting")
				l.Conn.Close()
				return nil
			}
			var ioErr *tsierr.IOError
			if errors.As(err, &ioErr) {
				l.Log.Infof("peer shutdown, exiting")
				l.Conn.Close()
				return nil
			}
			l.Log.Errorf("connector read failed, exiting: %v", err)
			l.Conn.Close()
			return nil
		}

		if err := os.Chdir(l.Config.SafeDir()); err != nil {
			l.Log.Errorf("could not chdir to safe_dir: %v", err)
		}

		msg, ok := message.Parse(raw, known)
		if !ok {
			l.Conn.Failed("Unknown command")
			connector.WriteTerminator(l.Conn)
			continue
		}

		if msg.Command == "TSI_PING" {
			if err := handlers.Ping(l.Conn); err != nil {
				l.Log.Errorf("connector write failed, exiting: %v", err)
				l.Conn.Close()
				return nil
			}
			connector.WriteTerminator(l.Conn)
			continue
		}

		if err := l.handle(msg); err != nil {
			var restoreErr *tsierr.RestoreError
			if errors.As(err, &restoreErr) {
				l.Log.Errorf("identity restore failed, terminating worker: %v", err)
				return err
			}
		}
		connector.WriteTerminator(l.Conn)
	}
}

// handle runs the handler protocol for one non-PING command (spec.md
// §4.D "Handler protocol"). Any non-restore error it returns has
// already been reported to the peer; the loop continues.
func (l *Loop) handle(msg message.Message) error {
	doFork := l.Config.OpenUserSessions() && forkingCommands[msg.Command]

	run := func() error {
		return l.runOnce(msg)
	}

	if doFork {
		return l.Isolate(run)
	}
	return run()
}

// runOnce performs switch → invoke → restore for one request, on
// whatever OS thread it is called from.
func (l *Loop) runOnce(msg message.Message) error {
	handler, ok := l.Registry.Lookup(msg.Command)
	if !ok {
		l.Conn.Failed("Unknown command " + msg.Command)
		return nil
	}

	switchUID := l.Config.SwitchUID()
	openSession := l.Config.OpenUserSessions()
	var sessionUser string

	if switchUID {
		user, groups, err := msg.RequireIdentity()
		if err != nil {
			l.Conn.Failed(err.Error())
			return nil
		}
		if openSession {
			if err := l.PAM.Open(user); err != nil {
				l.Conn.Failed("could not open session: " + err.Error())
				return nil
			}
			sessionUser = user
		}
		reqGroups := identity.RequestedGroups{}
		if len(groups) > 0 {
			reqGroups.Primary = groups[0]
			reqGroups.Supplementary = groups[1:]
		} else {
			reqGroups.Primary = identity.NoneSelector
		}
		if err := l.Switcher.BecomeUser(l.Cache, user, reqGroups); err != nil {
			l.Conn.Failed(err.Error())
			l.restoreUnconditionally(openSession, sessionUser)
			return nil
		}
	}

	handlerErr := func() error {
		defer func() {
			if r := recover(); r != nil {
				l.Log.Errorf("handler %s panicked: %v", msg.Command, r)
			}
		}()
		return handler(msg, l.Conn, l.Config)
	}()
	if handlerErr != nil {
		l.Conn.Failed(handlerErr.Error())
		l.Log.Errorf("error executing %s: %v", msg.Command, handlerErr)
	}

	return l.restoreUnconditionally(switchUID && openSession, sessionUser)
}

// restoreUnconditionally is spec.md §4.D's "Unconditionally attempt
// restore_id and PAM close" and §4.C's acquire-use-release invariant:
// release is attempted on every exit path, including handler failure.
func (l *Loop) restoreUnconditionally(closeSession bool, sessionUser string) error {
	var restoreErr error
	if l.Config.SwitchUID() {
		restoreErr = l.Switcher.RestoreID()
	}
	if closeSession && sessionUser != "" {
		l.PAM.Close()
	}
	return restoreErr
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}
func (noopLogger) Debugf(string, ...interface{}) {}
