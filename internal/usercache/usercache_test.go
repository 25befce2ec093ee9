package usercache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver is a fully in-memory Resolver for deterministic tests.
type fakeResolver struct {
	users      map[string][3]int // name -> [uid, gid, -]
	homes      map[string]string
	groups     map[string]int
	members    map[string][]string
	supViaOS   map[string][]int
	supViaID   map[string][]int
	lookups    int // counts LookupUser calls, to assert cache hits
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		users:    map[string][3]int{},
		homes:    map[string]string{},
		groups:   map[string]int{},
		members:  map[string][]string{},
		supViaOS: map[string][]int{},
		supViaID: map[string][]int{},
	}
}

func (f *fakeResolver) LookupUser(name string) (int, int, string, bool) {
	f.lookups++
	v, ok := f.users[name]
	if !ok {
		return -1, -1, "", false
	}
	return v[0], v[1], f.homes[name], true
}

func (f *fakeResolver) LookupGroup(name string) (int, bool) {
	g, ok := f.groups[name]
	return g, ok
}

func (f *fakeResolver) GroupMembers(name string) []string { return f.members[name] }

func (f *fakeResolver) SupplementaryGIDsViaOS(user string, primary int) ([]int, bool) {
	g, ok := f.supViaOS[user]
	return g, ok
}

func (f *fakeResolver) SupplementaryGIDsViaID(user string) ([]int, bool) {
	g, ok := f.supViaID[user]
	return g, ok
}

func TestBasicResolution(t *testing.T) {
	r := newFakeResolver()
	r.users["alice"] = [3]int{1001, 100, 0}
	r.homes["alice"] = "/home/alice"
	r.groups["devs"] = 500
	r.members["devs"] = []string{"alice", "bob"}

	c := New(time.Minute, false, r)
	assert.Equal(t, 1001, c.UIDForUser("alice"))
	assert.Equal(t, "/home/alice", c.HomeForUser("alice"))
	assert.Equal(t, 100, c.PrimaryGIDForUser("alice"))
	assert.Equal(t, 500, c.GIDForGroup("devs"))
	assert.True(t, c.MembersForGroup("devs")["alice"])
}

func TestUnknownUserIsNegativeAndCached(t *testing.T) {
	r := newFakeResolver()
	c := New(time.Minute, false, r)
	assert.Equal(t, -1, c.UIDForUser("ghost"))
	assert.Equal(t, -1, c.UIDForUser("ghost"))
	assert.Equal(t, 1, r.lookups, "second lookup should be served from cache")
}

func TestTTLExpiry(t *testing.T) {
	r := newFakeResolver()
	r.users["alice"] = [3]int{1001, 100, 0}
	c := New(10*time.Second, false, r)
	var now time.Time
	c.now = func() time.Time { return now }

	assert.Equal(t, 1001, c.UIDForUser("alice"))
	require.Equal(t, 1, r.lookups)

	// Within TTL: served from cache.
	now = now.Add(5 * time.Second)
	assert.Equal(t, 1001, c.UIDForUser("alice"))
	require.Equal(t, 1, r.lookups)

	// At/after TTL: refreshed.
	now = now.Add(5 * time.Second)
	assert.Equal(t, 1001, c.UIDForUser("alice"))
	require.Equal(t, 2, r.lookups)
}

func TestGIDsForUserPrimaryFirstAndDeduped(t *testing.T) {
	r := newFakeResolver()
	r.users["alice"] = [3]int{1001, 100, 0}
	r.supViaOS["alice"] = []int{500, 100, 600}
	c := New(time.Minute, false, r)
	gids := c.GIDsForUser("alice")
	require.Equal(t, []int{100, 500, 600}, gids)
}

func TestGIDsForUserViaIDStrategy(t *testing.T) {
	r := newFakeResolver()
	r.users["alice"] = [3]int{1001, 100, 0}
	r.supViaID["alice"] = []int{100, 700}
	c := New(time.Minute, true, r)
	gids := c.GIDsForUser("alice")
	require.Equal(t, []int{100, 700}, gids)
}
