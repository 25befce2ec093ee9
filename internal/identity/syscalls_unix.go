//go:build linux

package identity

import (
	"os"

	"golang.org/x/sys/unix"
)

// ProdSyscalls is the real privilege-switch boundary, grounded on
// kittyruntime-nasx/apps/root-worker/userctx.go's use of
// golang.org/x/sys's raw syscalls (Setresuid/Setresgid/Setgroups)
// rather than os/user or os/exec, since only the raw syscalls expose
// the real/effective/saved triple spec.md §4.C requires.
//
// Callers MUST runtime.LockOSThread before using a Switcher backed by
// ProdSyscalls and hold the lock for the lifetime of the switched
// identity: these are per-thread kernel attributes on Linux, and an
// unlocked goroutine can be rescheduled onto a thread with different
// credentials mid-request.
type ProdSyscalls struct{}

func (ProdSyscalls) Getresuid() (ruid, euid, suid int, err error) {
	var r, e, s int
	err = unix.Getresuid(&r, &e, &s)
	return r, e, s, err
}

func (ProdSyscalls) Getresgid() (rgid, egid, sgid int, err error) {
	var r, e, s int
	err = unix.Getresgid(&r, &e, &s)
	return r, e, s, err
}

func (ProdSyscalls) Getgroups() ([]int, error) {
	return unix.Getgroups()
}

func (ProdSyscalls) Setresuid(ruid, euid, suid int) error {
	return unix.Setresuid(ruid, euid, suid)
}

func (ProdSyscalls) Setresgid(rgid, egid, sgid int) error {
	return unix.Setresgid(rgid, egid, sgid)
}

func (ProdSyscalls) Setgroups(gids []int) error {
	return unix.Setgroups(gids)
}

func (ProdSyscalls) Setegid(gid int) error {
	return unix.Setegid(gid)
}

func (ProdSyscalls) Setenv(key, value string) error {
	return os.Setenv(key, value)
}
