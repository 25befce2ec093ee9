package dispatch

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/handlers"
	"github.com/unicore-eu/tsi/internal/identity"
	"github.com/unicore-eu/tsi/internal/usercache"
)

// fakeConn feeds a fixed sequence of request bodies and records every
// response line, letting each test assert the transcript rather than
// framing bytes.
type fakeConn struct {
	queue    []string
	i        int
	written  []string
	closed   bool
}

func (c *fakeConn) ReadMessage() (string, error) {
	if c.i >= len(c.queue) {
		return "", io.EOF
	}
	m := c.queue[c.i]
	c.i++
	return m, nil
}
func (c *fakeConn) WriteMessage(line string) error {
	c.written = append(c.written, line)
	return nil
}
func (c *fakeConn) OK(output string) error {
	c.written = append(c.written, "TSI_OK")
	if output != "" {
		c.written = append(c.written, output)
	}
	return nil
}
func (c *fakeConn) Failed(reason string) error {
	c.written = append(c.written, "TSI_FAILED "+reason)
	return nil
}
func (c *fakeConn) Close() error { c.closed = true; return nil }

var _ connector.Connector = (*fakeConn)(nil)

type fakeSyscalls struct {
	ruid, euid, suid int
	rgid, egid, sgid int
	groups           []int
	env              map[string]string
}

func newFakeSyscalls(uid, gid int) *fakeSyscalls {
	return &fakeSyscalls{ruid: uid, euid: uid, suid: uid, rgid: gid, egid: gid, sgid: gid, groups: []int{gid}, env: map[string]string{}}
}
func (f *fakeSyscalls) Getresuid() (int, int, int, error) { return f.ruid, f.euid, f.suid, nil }
func (f *fakeSyscalls) Getresgid() (int, int, int, error) { return f.rgid, f.egid, f.sgid, nil }
func (f *fakeSyscalls) Getgroups() ([]int, error)         { return append([]int(nil), f.groups...), nil }
func (f *fakeSyscalls) Setresuid(r, e, s int) error       { f.ruid, f.euid, f.suid = r, e, s; return nil }
func (f *fakeSyscalls) Setresgid(r, e, s int) error {
	f.rgid, f.egid = r, e
	if s >= 0 {
		f.sgid = s
	}
	return nil
}
func (f *fakeSyscalls) Setgroups(g []int) error { f.groups = append([]int(nil), g...); return nil }
func (f *fakeSyscalls) Setegid(g int) error     { f.egid = g; return nil }
func (f *fakeSyscalls) Setenv(k, v string) error {
	f.env[k] = v
	return nil
}

type fakeResolver struct {
	uid, gid int
	groups   map[string]int
	members  map[string][]string
}

func (r fakeResolver) LookupUser(name string) (int, int, string, bool) {
	if name != "alice" {
		return -1, -1, "", false
	}
	return r.uid, r.gid, "/home/alice", true
}
func (r fakeResolver) LookupGroup(name string) (int, bool) { g, ok := r.groups[name]; return g, ok }
func (r fakeResolver) GroupMembers(name string) []string   { return r.members[name] }
func (r fakeResolver) SupplementaryGIDsViaOS(user string, primary int) ([]int, bool) {
	return []int{primary}, true
}
func (r fakeResolver) SupplementaryGIDsViaID(user string) ([]int, bool) { return nil, false }

func newLoop(t *testing.T, cfgExtra string, queue []string) (*Loop, *fakeConn, *fakeSyscalls) {
	t.Helper()
	cfg, err := config.Load([]byte(cfgExtra))
	require.NoError(t, err)
	sc := newFakeSyscalls(0, 0)
	require.NoError(t, identity.Initialize(cfg, sc))

	r := fakeResolver{
		uid: 1001, gid: 100,
		groups:  map[string]int{"users": 100, "devs": 500},
		members: map[string][]string{"devs": {"alice"}},
	}
	cache := usercache.New(0, false, r)
	sw := identity.New(cfg, sc, nil)
	reg := handlers.NewBuilder(nil).Build()
	conn := &fakeConn{queue: queue}

	return &Loop{
		Conn:     conn,
		Config:   cfg,
		Cache:    cache,
		Switcher: sw,
		Registry: reg,
		Isolate:  func(fn func() error) error { return fn() }, // run synchronously in tests
	}, conn, sc
}

func TestS1Ping(t *testing.T) {
	loop, conn, sc := newLoop(t, "", []string{"#TSI_PING\n"})
	require.NoError(t, loop.Run())
	require.Len(t, conn.written, 2)
	assert.NotContains(t, conn.written[0], "FAILED")
	assert.Equal(t, "ENDOFMESSAGE", conn.written[1])
	assert.Equal(t, 0, sc.euid, "ping must not touch process identity")
}

func TestS2ExecuteAsUser(t *testing.T) {
	loop, conn, sc := newLoop(t, "", []string{
		"#TSI_EXECUTESCRIPT\n#TSI_IDENTITY alice users:devs\necho hi\n",
	})
	require.NoError(t, loop.Run())
	joined := bytes.Join(toBytes(conn.written), []byte("|"))
	assert.Contains(t, string(joined), "TSI_OK")
	assert.Contains(t, string(joined), "hi")
	// restored afterwards
	assert.Equal(t, 0, sc.euid)
	assert.Equal(t, 0, sc.egid)
}

func TestS3UnknownUser(t *testing.T) {
	loop, conn, sc := newLoop(t, "", []string{
		"#TSI_EXECUTESCRIPT\n#TSI_IDENTITY ghost users:devs\necho hi\n",
	})
	require.NoError(t, loop.Run())
	joined := string(bytes.Join(toBytes(conn.written), []byte("|")))
	assert.Contains(t, joined, "TSI_FAILED")
	assert.Equal(t, 0, sc.euid, "identity must remain unchanged for an unknown user")
	assert.Equal(t, "ENDOFMESSAGE", conn.written[len(conn.written)-1])
}

func TestS4DiscardOutput(t *testing.T) {
	loop, conn, _ := newLoop(t, "", []string{
		"#TSI_EXECUTESCRIPT\n#TSI_IDENTITY alice users\n#TSI_DISCARD_OUTPUT true\necho hi\n",
	})
	require.NoError(t, loop.Run())
	joined := string(bytes.Join(toBytes(conn.written), []byte("|")))
	assert.Contains(t, joined, "TSI_OK")
	assert.NotContains(t, joined, "hi")
}

func TestS5UnknownCommand(t *testing.T) {
	loop, conn, _ := newLoop(t, "", []string{"#TSI_MYSTERY\n"})
	require.NoError(t, loop.Run())
	require.Len(t, conn.written, 2)
	assert.Contains(t, conn.written[0], "Unknown command")
	assert.Equal(t, "ENDOFMESSAGE", conn.written[1])
}

func TestS6RootMisconfigurationRejectedAtStartup(t *testing.T) {
	cfg, err := config.Load([]byte("switch_uid = false\n"))
	require.NoError(t, err)
	sc := newFakeSyscalls(0, 0)
	err = identity.Initialize(cfg, sc)
	require.Error(t, err, "root with switch_uid=false must never reach the dispatch loop")
}

func toBytes(lines []string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}
