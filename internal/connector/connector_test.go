package connector

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rwBuffer adapts a pair of buffers to io.ReadWriteCloser for tests.
type rwBuffer struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (b *rwBuffer) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuffer) Write(p []byte) (int, error) { return b.out.Write(p) }
func (b *rwBuffer) Close() error                { return nil }

func TestReadMessageStopsAtTerminator(t *testing.T) {
	rw := &rwBuffer{
		in:  bytes.NewBufferString("#TSI_IDENTITY alice devs\n#TSI_PING\nENDOFMESSAGE\n"),
		out: &bytes.Buffer{},
	}
	c := New(rw)
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "#TSI_IDENTITY alice devs\n#TSI_PING\n", msg)
}

func TestWriteMessageAndTerminator(t *testing.T) {
	rw := &rwBuffer{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := New(rw)
	require.NoError(t, c.WriteMessage("hello"))
	require.NoError(t, WriteTerminator(c))
	assert.Equal(t, "hello\nENDOFMESSAGE\n", rw.out.String())
}

func TestOKAndFailed(t *testing.T) {
	rw := &rwBuffer{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := New(rw)
	require.NoError(t, c.OK("output here"))
	assert.Equal(t, "TSI_OK\noutput here\n", rw.out.String())

	rw2 := &rwBuffer{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c2 := New(rw2)
	require.NoError(t, c2.Failed("no such file"))
	assert.Equal(t, "TSI_FAILED no such file\n", rw2.out.String())
}
