//go:build linux || darwin

package dispatch

import "runtime"

// runIsolated executes fn on a freshly locked OS thread and waits for
// it to finish.
//
// original_source's TSI.py forks the whole process for
// TSI_EXECUTESCRIPT/TSI_SUBMIT/TSI_UFTP under open_user_sessions: "The
// parent never touches the child's identity state" (spec.md §5), and
// the parent immediately os.waitpid()s, so from the dispatcher's point
// of view fork-per-request buys process isolation for the identity
// switch and the handler's resource usage, not concurrency — the loop
// is still synchronous.
//
// A bare fork(2) without a matching exec is unsafe in a Go process:
// the child inherits only the calling goroutine's OS thread, while the
// Go runtime's other threads (GC workers, sysmon, other Ps) do not
// survive the fork, leaving the child's runtime in an inconsistent
// state. No repo in the retrieved pack calls fork(2) directly for this
// reason. This runs fn on its own locked OS thread instead: the
// Setresuid/Setresgid/Setgroups identity mutations in
// internal/identity are real per-thread kernel attributes on Linux, so
// a dedicated locked thread gives the same "this goroutine's identity
// does not leak back to the loop's thread" property fork gave the
// Python implementation, without forking the runtime.
//
// UnlockOSThread is intentionally never called: when the goroutine
// returns, the runtime destroys the locked OS thread instead of
// returning it to the scheduler's pool, so a mid-request identity
// switch can never bleed into a later, unrelated request.
func runIsolated(fn func() error) error {
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		done <- fn()
	}()
	return <-done
}
