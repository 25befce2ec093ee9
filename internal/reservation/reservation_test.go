package reservation

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

func TestMakeUnconfiguredFails(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	a := New(cfg)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_MAKERESERVATION alice 4 3600\n"}
	require.NoError(t, a.make(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "TSI_FAILED")
}

func TestMakeInvokesConfiguredCommand(t *testing.T) {
	cfg, err := config.Load([]byte("reservation_make_cmd = /bin/echo\n"))
	require.NoError(t, err)
	a := New(cfg)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_MAKERESERVATION alice 4 3600\n"}
	require.NoError(t, a.make(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "alice")
}

func TestCancelInvokesConfiguredCommand(t *testing.T) {
	cfg, err := config.Load([]byte("reservation_cancel_cmd = /bin/echo\n"))
	require.NoError(t, err)
	a := New(cfg)
	conn, rw := newConn()
	msg := message.Message{Raw: "#TSI_CANCELRESERVATION res-9\n"}
	require.NoError(t, a.cancel(msg, conn, cfg))
	assert.Contains(t, rw.out.String(), "res-9")
}
