package uftp

import (
	"bytes"
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

func TestTransferUnconfiguredFails(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	a := New(cfg)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_UFTP src dst\n"}
	require.NoError(t, a.transfer(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "TSI_FAILED")
}

func TestTransferInvokesConfiguredClient(t *testing.T) {
	cfg, err := config.Load([]byte("uftp_cmd = /bin/echo\n"))
	require.NoError(t, err)
	a := New(cfg)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_UFTP /src/path /dst/path\n"}
	require.NoError(t, a.transfer(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "/src/path")
	assert.Contains(t, rw.out.String(), "/dst/path")
}

func TestTransferMissingArgsFails(t *testing.T) {
	cfg, err := config.Load([]byte("uftp_cmd = /bin/echo\n"))
	require.NoError(t, err)
	a := New(cfg)
	conn, rw := newConn()
	msg := message.Message{Raw: "no tag here\n"}
	require.NoError(t, a.transfer(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "TSI_FAILED")
}
