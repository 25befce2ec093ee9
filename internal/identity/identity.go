// Package identity implements the TSI's privilege-switching core
// (spec.md §4.C): primary/supplementary group resolution under policy,
// and the atomic real/effective/saved UID/GID switch and restore.
//
// The switch sequence is grounded directly on
// kittyruntime-nasx/apps/root-worker/userctx.go's runAsUser: resolve
// groups while still privileged, install supplementary groups and gid
// first, drop uid last, verify, and restore in the opposite order. The
// group-resolution *policy* (NONE/DEFAULT_GID sentinels,
// fail_on_invalid_gids, enforce_os_gids membership checks) is grounded
// on original_source/lib/BecomeUser.py, which this package is a
// line-for-line policy port of, re-expressed as explicit Go control
// flow over an injectable Syscalls boundary instead of bare os.* calls.
package identity

import (
	"fmt"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/tsierr"
	"github.com/unicore-eu/tsi/internal/usercache"
)

const (
	// NoneSelector means "use the user's OS-default groups entirely".
	NoneSelector = "NONE"
	// DefaultGIDSelector expands to the user's OS default group(s).
	DefaultGIDSelector = "DEFAULT_GID"
)

// Syscalls is the privilege-switch syscall boundary, abstracted so the
// decision logic in this package can be unit tested without requiring
// the test process to actually run as root. ProdSyscalls (syscalls_unix.go)
// is the real implementation over golang.org/x/sys/unix.
type Syscalls interface {
	Getresuid() (ruid, euid, suid int, err error)
	Getresgid() (rgid, egid, sgid int, err error)
	Getgroups() ([]int, error)
	Setresuid(ruid, euid, suid int) error
	Setresgid(rgid, egid, sgid int) error
	Setgroups(gids []int) error
	Setegid(gid int) error
	Setenv(key, value string) error
}

// Switcher performs identity switches for one worker process. It is
// not safe for concurrent BecomeUser/RestoreID calls on overlapping
// requests — spec.md §5 requires the dispatcher to serialize requests
// on a worker, so this package does not add its own locking.
type Switcher struct {
	cfg *config.Config
	sc  Syscalls
	log Logger
}

// Logger is the minimal logging surface identity needs, satisfied by
// *tsilog.Logger; kept as an interface here to avoid importing tsilog
// from this low-level package and to keep identity_test.go dependency-free.
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nullLogger struct{}

func (nullLogger) Warnf(string, ...interface{})  {}
func (nullLogger) Debugf(string, ...interface{}) {}

// New constructs a Switcher. log may be nil (a no-op logger is used).
func New(cfg *config.Config, sc Syscalls, log Logger) *Switcher {
	if log == nil {
		log = nullLogger{}
	}
	return &Switcher{cfg: cfg, sc: sc, log: log}
}

// Initialize captures the current effective UID/GID into cfg as the
// restore target and rejects switch_uid=false while running as root, per
// spec.md §4.C and original_source/lib/BecomeUser.py:initialize. It
// never changes the switch_uid setting itself.
func Initialize(cfg *config.Config, sc Syscalls) error {
	_, euid, _, err := sc.Getresuid()
	if err != nil {
		return tsierr.NewConfigError("", fmt.Errorf("getresuid: %w", err))
	}
	_, egid, _, err := sc.Getresgid()
	if err != nil {
		return tsierr.NewConfigError("", fmt.Errorf("getresgid: %w", err))
	}
	if err := cfg.SetEffectiveIdentity(euid, egid); err != nil {
		return err
	}

	// spec.md §3 invariant / §8 scenario S6: running as root with
	// switch_uid explicitly set to false is rejected at startup, not
	// silently corrected — a TSI that can't drop privilege per request
	// must refuse to start rather than serve every request as root.
	if euid == 0 && !cfg.SwitchUID() {
		return tsierr.NewConfigError("switch_uid", fmt.Errorf(
			"running as root with switch_uid=false is not allowed"))
	}
	return nil
}

// RequestedGroups is the parsed `#TSI_IDENTITY` group list: element 0
// is the primary-group selector, the remainder are supplementary.
type RequestedGroups struct {
	Primary       string
	Supplementary []string
}

// BecomeUser switches the process's real/effective identity to user,
// per spec.md §4.C. When switch_uid is false it is a no-op that
// succeeds without touching process identity (spec.md §8 property 4).
func (s *Switcher) BecomeUser(cache *usercache.Cache, user string, groups RequestedGroups) error {
	if !s.cfg.SwitchUID() {
		if s.cfg.EffectiveUID() == 0 {
			return tsierr.NewIdentityError(user, fmt.Errorf(
				"running as root with switch_uid=false is not allowed; check the TSI configuration"))
		}
		return nil
	}

	newUID := cache.UIDForUser(user)
	if newUID < 0 {
		return tsierr.NewIdentityError(user, fmt.Errorf("unknown user"))
	}
	if newUID == 0 {
		return tsierr.NewIdentityError(user, fmt.Errorf("refusing to switch to uid 0"))
	}

	var newGID int
	var newGIDs []int
	if groups.Primary == NoneSelector {
		newGID = cache.PrimaryGIDForUser(user)
		newGIDs = cache.GIDsForUser(user)
	} else {
		var err error
		newGID, err = s.resolvePrimaryGroup(cache, user, groups.Primary)
		if err != nil {
			return err
		}
		newGIDs, err = s.resolveSupplementaryGroups(cache, user, newGID, groups.Supplementary)
		if err != nil {
			return err
		}
	}

	euid := s.cfg.EffectiveUID()

	// Order matters (spec.md §4.C step 2-3): groups and gid while still
	// privileged, uid last. Primary must appear in the supplementary
	// set passed to the kernel, or root's existing supplementary groups
	// survive a setgid-only call on some platforms.
	if err := s.sc.Setresgid(newGID, newGID, -1); err != nil {
		return tsierr.NewIdentityError(user, fmt.Errorf("setresgid: %w", err))
	}
	if err := s.sc.Setgroups(newGIDs); err != nil {
		return tsierr.NewIdentityError(user, fmt.Errorf("setgroups: %w", err))
	}
	if err := s.sc.Setegid(newGID); err != nil {
		return tsierr.NewIdentityError(user, fmt.Errorf("setegid: %w", err))
	}
	if err := s.sc.Setresuid(newUID, newUID, euid); err != nil {
		return tsierr.NewIdentityError(user, fmt.Errorf("setresuid: %w", err))
	}

	if err := s.verify(newUID, newGID, newGIDs); err != nil {
		return tsierr.NewIdentityError(user, err)
	}

	home := cache.HomeForUser(user)
	s.sc.Setenv("HOME", home)
	s.sc.Setenv("USER", user)
	s.sc.Setenv("LOGNAME", user)
	return nil
}

// checkMembership enforces spec.md §4.C step 3: if the resolved group
// isn't the user's OS primary, the user must be a listed member.
func (s *Switcher) checkMembership(cache *usercache.Cache, user, group string, groupGID int) bool {
	if !s.cfg.EnforceOSGids() {
		return true
	}
	if groupGID == cache.PrimaryGIDForUser(user) {
		return true
	}
	return cache.MembersForGroup(group)[user]
}

func (s *Switcher) resolvePrimaryGroup(cache *usercache.Cache, user, selector string) (int, error) {
	if selector == DefaultGIDSelector {
		return cache.PrimaryGIDForUser(user), nil
	}
	gid := cache.GIDForGroup(selector)
	if gid < 0 {
		if s.cfg.FailOnInvalidGids() {
			return 0, tsierr.NewIdentityError(user, fmt.Errorf("unknown primary group %q", selector))
		}
		s.log.Warnf("requested primary group %q is not available on the OS; using default for user %s", selector, user)
		return cache.PrimaryGIDForUser(user), nil
	}
	if !s.checkMembership(cache, user, selector, gid) {
		if s.cfg.FailOnInvalidGids() {
			return 0, tsierr.NewIdentityError(user, fmt.Errorf("user is not a member of group %q", selector))
		}
		s.log.Warnf("user %s is not a member of group %q; using default primary group", user, selector)
		return cache.PrimaryGIDForUser(user), nil
	}
	return gid, nil
}

func (s *Switcher) resolveSupplementaryGroups(cache *usercache.Cache, user string, primary int, selectors []string) ([]int, error) {
	set := map[int]bool{primary: true}
	addedDefault := false
	for _, sel := range selectors {
		if sel == DefaultGIDSelector {
			if addedDefault {
				continue // idempotent (spec.md §8 property 8)
			}
			addedDefault = true
			for _, g := range cache.GIDsForUser(user) {
				set[g] = true
			}
			continue
		}
		gid := cache.GIDForGroup(sel)
		if gid < 0 {
			if s.cfg.FailOnInvalidGids() {
				return nil, tsierr.NewIdentityError(user, fmt.Errorf("unknown supplementary group %q", sel))
			}
			s.log.Warnf("requested supplementary group %q is not available on the OS; ignoring", sel)
			continue
		}
		if !s.checkMembership(cache, user, sel, gid) {
			if s.cfg.FailOnInvalidGids() {
				return nil, tsierr.NewIdentityError(user, fmt.Errorf("user is not a member of group %q", sel))
			}
			s.log.Warnf("user %s is not a member of group %q; skipping", user, sel)
			continue
		}
		set[gid] = true
	}
	out := make([]int, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	return out, nil
}

func (s *Switcher) verify(wantUID, wantGID int, wantGIDs []int) error {
	ruid, euid, _, err := s.sc.Getresuid()
	if err != nil || ruid != wantUID || euid != wantUID {
		return fmt.Errorf("could not set uid (real,effective) to %d", wantUID)
	}
	rgid, egid, _, err := s.sc.Getresgid()
	if err != nil || rgid != wantGID || egid != wantGID {
		return fmt.Errorf("could not set gid (real,effective) to %d", wantGID)
	}
	got, err := s.sc.Getgroups()
	if err != nil || !sameSet(got, wantGIDs) {
		return fmt.Errorf("could not set supplementary groups to %v, got %v", wantGIDs, got)
	}
	return nil
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[int]bool{}
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}

// RestoreID returns the process to the stored effective UID/GID
// (spec.md §4.C restore sequence). Failure here is a RestoreError: it
// is not recoverable, and the caller must terminate the worker rather
// than continue serving requests under unverified identity.
func (s *Switcher) RestoreID() error {
	if !s.cfg.SwitchUID() {
		return nil
	}
	euid, egid := s.cfg.EffectiveUID(), s.cfg.EffectiveGID()

	if err := s.sc.Setresuid(euid, euid, euid); err != nil {
		return tsierr.NewRestoreError(fmt.Errorf("setresuid: %w", err))
	}
	if err := s.sc.Setresgid(egid, egid, -1); err != nil {
		return tsierr.NewRestoreError(fmt.Errorf("setresgid: %w", err))
	}
	if err := s.sc.Setgroups([]int{egid}); err != nil {
		return tsierr.NewRestoreError(fmt.Errorf("setgroups: %w", err))
	}
	if err := s.sc.Setegid(egid); err != nil {
		return tsierr.NewRestoreError(fmt.Errorf("setegid: %w", err))
	}
	if err := s.verify(euid, egid, []int{egid}); err != nil {
		return tsierr.NewRestoreError(err)
	}

	s.sc.Setenv("HOME", "/tmp")
	s.sc.Setenv("USER", "nobody")
	s.sc.Setenv("LOGNAME", "nobody")
	return nil
}
