// Package usercache implements the TTL-bounded user/group resolution
// cache (spec.md §3 "UserCache entry", §4.A). It sits off the hot path
// (consulted once per identity switch, before privilege is dropped) so
// a single mutex protecting the whole cache is sufficient, per
// spec.md §9 "Cache representation".
//
// Resolution itself goes through the Resolver interface so tests can
// supply a fake OS/group database instead of depending on the real
// system accounts (and so the two gids_for_user strategies — OS group
// database vs. shelling out to `id -G` — are swappable per spec.md
// §4.A without touching the cache logic).
package usercache

import (
	"sync"
	"time"
)

// Resolver performs the actual (uncached) OS lookups. The default
// implementation (resolver_unix.go) reads os/user and shells out to
// `id -G`; no third-party package in the retrieved pack wraps
// getpwnam(3)/getgrnam(3) any better than the standard library does,
// so this boundary is intentionally stdlib (see DESIGN.md).
type Resolver interface {
	// LookupUser resolves a username to (uid, primaryGID, home, ok).
	LookupUser(name string) (uid int, primaryGID int, home string, ok bool)
	// LookupGroup resolves a group name to (gid, ok).
	LookupGroup(name string) (gid int, ok bool)
	// GroupMembers returns the usernames listed as members of group
	// (not including users for whom it is only the primary group).
	GroupMembers(name string) []string
	// SupplementaryGIDsViaOS walks the OS group database, per spec.md
	// §4.A strategy (a).
	SupplementaryGIDsViaOS(user string, primaryGID int) ([]int, bool)
	// SupplementaryGIDsViaID shells out to `id -G <user>`, per spec.md
	// §4.A strategy (b).
	SupplementaryGIDsViaID(user string) ([]int, bool)
}

type userEntry struct {
	uid, gid int
	home     string
	ts       time.Time
}

type gidsEntry struct {
	gids []int
	ts   time.Time
}

type groupEntry struct {
	gid int
	ts  time.Time
}

type membersEntry struct {
	members map[string]bool
	ts      time.Time
}

// Cache is the TTL-bounded cache described in spec.md §3/§4.A. Negative
// results (-1 or empty) are cached too, bounding repeated failed
// lookups, and share the same TTL as positive results.
type Cache struct {
	mtx sync.Mutex

	ttl      time.Duration
	useID    bool // strategy (b): `id -G` instead of the OS group db.
	resolver Resolver
	now      func() time.Time // overridable for TTL tests.

	users   map[string]userEntry
	gids    map[string]gidsEntry
	groups  map[string]groupEntry
	members map[string]membersEntry
}

// New builds a cache with the given TTL and gid-resolution strategy.
func New(ttl time.Duration, useIDToResolveGids bool, resolver Resolver) *Cache {
	return &Cache{
		ttl:      ttl,
		useID:    useIDToResolveGids,
		resolver: resolver,
		now:      time.Now,
		users:    map[string]userEntry{},
		gids:     map[string]gidsEntry{},
		groups:   map[string]groupEntry{},
		members:  map[string]membersEntry{},
	}
}

func (c *Cache) expired(ts time.Time) bool {
	return c.now().Sub(ts) >= c.ttl
}

func (c *Cache) userLocked(name string) userEntry {
	if e, ok := c.users[name]; ok && !c.expired(e.ts) {
		return e
	}
	uid, gid, home, ok := c.resolver.LookupUser(name)
	e := userEntry{ts: c.now()}
	if ok {
		e.uid, e.gid, e.home = uid, gid, home
	} else {
		e.uid, e.gid, e.home = -1, -1, ""
	}
	c.users[name] = e
	return e
}

// UIDForUser returns the user's uid, or -1 if unknown.
func (c *Cache) UIDForUser(name string) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.userLocked(name).uid
}

// HomeForUser returns the user's home directory, or "" if unknown.
func (c *Cache) HomeForUser(name string) string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.userLocked(name).home
}

// PrimaryGIDForUser returns the user's primary gid, or -1 if unknown.
func (c *Cache) PrimaryGIDForUser(name string) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.userLocked(name).gid
}

// GIDForGroup returns a group's gid, or -1 if unknown.
func (c *Cache) GIDForGroup(name string) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if e, ok := c.groups[name]; ok && !c.expired(e.ts) {
		return e.gid
	}
	gid, ok := c.resolver.LookupGroup(name)
	e := groupEntry{ts: c.now()}
	if ok {
		e.gid = gid
	} else {
		e.gid = -1
	}
	c.groups[name] = e
	return e.gid
}

// MembersForGroup returns the set of usernames belonging to group.
func (c *Cache) MembersForGroup(name string) map[string]bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if e, ok := c.members[name]; ok && !c.expired(e.ts) {
		return e.members
	}
	set := map[string]bool{}
	for _, u := range c.resolver.GroupMembers(name) {
		set[u] = true
	}
	c.members[name] = membersEntry{members: set, ts: c.now()}
	return set
}

// GIDsForUser returns the user's ordered gid set (primary first), using
// whichever resolution strategy the cache was constructed with.
func (c *Cache) GIDsForUser(name string) []int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if e, ok := c.gids[name]; ok && !c.expired(e.ts) {
		return append([]int(nil), e.gids...)
	}

	primary := c.userLocked(name).gid
	var gids []int
	var ok bool
	if c.useID {
		gids, ok = c.resolver.SupplementaryGIDsViaID(name)
	} else {
		gids, ok = c.resolver.SupplementaryGIDsViaOS(name, primary)
	}
	if !ok {
		gids = nil
	}
	gids = dedupOrderedWithPrimaryFirst(primary, gids)
	c.gids[name] = gidsEntry{gids: gids, ts: c.now()}
	return append([]int(nil), gids...)
}

func dedupOrderedWithPrimaryFirst(primary int, gids []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(gids)+1)
	if primary >= 0 {
		out = append(out, primary)
		seen[primary] = true
	}
	for _, g := range gids {
		if g < 0 || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}
