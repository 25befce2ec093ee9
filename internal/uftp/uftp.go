// Package uftp is an illustrative UFTP (UNICORE FTP) transfer
// collaborator, scoped out of the core by spec.md §1 ("the ... UFTP
// handler ... the core treats these as pluggable command handlers").
// cmd/tsi registers it on the *handlers.Builder the way internal/bss
// and internal/reservation do.
//
// TSI_UFTP is one of the three command families spec.md §4.D forks a
// thread of execution for when open_user_sessions is set
// (internal/dispatch.forkingCommands). The dispatcher waits for the
// isolated thread to finish, so a transfer still blocks the connection's
// next request until it completes.
package uftp

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/handlers"
	"github.com/unicore-eu/tsi/internal/message"
)

// Adapter holds the configured UFTP client command.
type Adapter struct {
	cmd string
}

// New reads uftp_cmd from cfg.
func New(cfg *config.Config) *Adapter {
	return &Adapter{cmd: cfg.UFTPCommand()}
}

// Register installs TSI_UFTP onto b.
func (a *Adapter) Register(b *handlers.Builder) *handlers.Builder {
	b.Register("TSI_UFTP", a.transfer)
	return b
}

// transfer passes the request's argument line (source, destination, and
// any transfer options the NJS encoded) straight through to the
// configured UFTP client invocation; the client binary owns the wire
// protocol to the UFTPD data-plane server.
func (a *Adapter) transfer(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	if a.cmd == "" {
		return conn.Failed("UFTP support is not configured")
	}
	args, ok := firstArgLine(msg.Raw, "#TSI_UFTP")
	if !ok {
		return conn.Failed("missing arguments for TSI_UFTP")
	}
	out, err := exec.Command(a.cmd, strings.Fields(args)...).CombinedOutput()
	if err != nil {
		return conn.Failed(fmt.Sprintf("%v: %s", err, out))
	}
	return conn.OK(string(out))
}

func firstArgLine(raw, tag string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, tag+" ") {
			return strings.TrimSpace(strings.TrimPrefix(line, tag+" ")), true
		}
	}
	return "", false
}
