package handlers

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/message"
)

type rwBuffer struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (b *rwBuffer) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuffer) Write(p []byte) (int, error) { return b.out.Write(p) }
func (b *rwBuffer) Close() error                { return nil }

func newConn() (*connector.StreamConnector, *rwBuffer) {
	rw := &rwBuffer{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	return connector.New(rw), rw
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	return cfg
}

func TestRegistryKnownIncludesPing(t *testing.T) {
	r := NewBuilder(nil).Build()
	known := r.Known()
	assert.True(t, known["TSI_PING"])
	assert.True(t, known["TSI_EXECUTESCRIPT"])
	_, ok := r.Lookup("TSI_PING")
	assert.False(t, ok, "TSI_PING is handled by the dispatcher directly, not registered")
}

func TestPingUID(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.SetEffectiveIdentity(0, 0))
	conn, rw := newConn()
	require.NoError(t, pingUID(message.Message{}, conn, cfg))
	assert.Contains(t, rw.out.String(), "UID [0]")
}

func TestExecuteScriptSuccess(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load([]byte("safe_dir = " + dir + "\n"))
	require.NoError(t, err)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_IDENTITY alice NONE\n#TSI_EXECUTESCRIPT\necho hello\n"}
	h := executeScript(nullLogger{})
	require.NoError(t, h(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "TSI_OK")
	assert.Contains(t, rw.out.String(), "hello")
}

func TestExecuteScriptDiscardOutput(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load([]byte("safe_dir = " + dir + "\n"))
	require.NoError(t, err)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_EXECUTESCRIPT\n#TSI_DISCARD_OUTPUT true\necho hello\n"}
	h := executeScript(nullLogger{})
	require.NoError(t, h(msg, conn, cfg))
	assert.Equal(t, "TSI_OK\n", rw.out.String())
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))
	cfg := testConfig(t)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_LS " + dir + "\n"}
	require.NoError(t, list(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "a.txt")
}

func TestListRejectsRelativePath(t *testing.T) {
	cfg := testConfig(t)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_LS relative/path\n"}
	require.NoError(t, list(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "TSI_FAILED")
}

func TestPutThenGetFileChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	cfg := testConfig(t)

	connPut, rwPut := newConn()
	putMsg := message.Message{Raw: "#TSI_PUTFILECHUNK " + path + "\nhello world"}
	require.NoError(t, putFileChunk(putMsg, connPut, cfg))
	assert.Contains(t, rwPut.out.String(), "TSI_OK")

	connGet, rwGet := newConn()
	getMsg := message.Message{Raw: "#TSI_GETFILECHUNK " + path + "\n"}
	require.NoError(t, getFileChunk(getMsg, connGet, cfg))
	assert.Contains(t, rwGet.out.String(), "hello world")
}

func TestFileACLUnconfiguredFails(t *testing.T) {
	cfg := testConfig(t)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_FILE_ACL /data/project\n"}
	require.NoError(t, fileACL(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "TSI_FAILED")
}

func TestBuilderRegisterOverride(t *testing.T) {
	called := false
	b := NewBuilder(nil)
	b.Register("TSI_SUBMIT", func(msg message.Message, conn connector.Connector, cfg *config.Config) error {
		called = true
		return conn.OK("")
	})
	r := b.Build()
	h, ok := r.Lookup("TSI_SUBMIT")
	require.True(t, ok)
	conn, _ := newConn()
	require.NoError(t, h(message.Message{}, conn, testConfig(t)))
	assert.True(t, called)
}
