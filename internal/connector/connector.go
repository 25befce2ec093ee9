// Package connector hosts the Connector abstraction the dispatcher
// consumes (spec.md §1: "network transport ... explicitly out of
// scope ... the core consumes a Connector abstraction", §6 "Wire
// protocol"). The real TLS/peer-DN transport lives outside this
// module; this package defines the boundary and ships a line-framed
// implementation over any io.ReadWriteCloser, grounded on
// original_source's Connector.py/Server.py pairing of a control and a
// data stream into one read/write/ok/failed surface.
package connector

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/unicore-eu/tsi/internal/tsierr"
)

// Connector is the dispatcher's sole I/O surface for one client
// connection, per spec.md §4.D/§6.
type Connector interface {
	// ReadMessage blocks for the next full request. Returns io.EOF (or
	// a wrapped error) on peer shutdown, per spec.md §4.D step 1.
	ReadMessage() (string, error)
	// WriteMessage sends one line of the response.
	WriteMessage(line string) error
	// OK writes a success status followed by output.
	OK(output string) error
	// Failed writes a failure status with reason.
	Failed(reason string) error
	// Close releases the underlying transport.
	Close() error
}

// terminator is the end-of-transaction marker the dispatcher writes
// after every request, per spec.md §4.D step 6 / §6.
const terminator = "ENDOFMESSAGE"

// messageEnd is the framing marker original_source's Connector.py uses
// to delimit one logical request within the byte stream: a line
// containing only "ENDOFMESSAGE" from the peer's side marks the end of
// the request currently being read. The TSI's own replies use the same
// marker on the way out (see terminator above).
const messageEnd = "ENDOFMESSAGE"

// StreamConnector frames requests and responses as newline-terminated
// text over an io.ReadWriteCloser, the same "read lines until the
// ENDOFMESSAGE marker" framing original_source's protocol uses.
type StreamConnector struct {
	mtx sync.Mutex
	rw  io.ReadWriteCloser
	r   *bufio.Reader
}

// New wraps rw (typically a net.Conn provided by the out-of-scope
// transport layer) as a Connector.
func New(rw io.ReadWriteCloser) *StreamConnector {
	return &StreamConnector{rw: rw, r: bufio.NewReader(rw)}
}

func (c *StreamConnector) ReadMessage() (string, error) {
	var b []byte
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if len(b) > 0 && err == io.EOF {
				break
			}
			return "", tsierr.NewIOError(err)
		}
		if line == messageEnd+"\n" {
			break
		}
		b = append(b, line...)
	}
	return string(b), nil
}

func (c *StreamConnector) WriteMessage(line string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, err := fmt.Fprintf(c.rw, "%s\n", line); err != nil {
		return tsierr.NewIOError(err)
	}
	return nil
}

func (c *StreamConnector) OK(output string) error {
	if err := c.WriteMessage("TSI_OK"); err != nil {
		return err
	}
	if output == "" {
		return nil
	}
	return c.WriteMessage(output)
}

func (c *StreamConnector) Failed(reason string) error {
	return c.WriteMessage(fmt.Sprintf("TSI_FAILED %s", reason))
}

func (c *StreamConnector) Close() error {
	return c.rw.Close()
}

// WriteTerminator writes the dispatcher's mandatory end-of-transaction
// marker, per spec.md §4.D step 6.
func WriteTerminator(c Connector) error {
	return c.WriteMessage(terminator)
}
