// Package reservation is an illustrative advance-reservation
// collaborator ("the reservation handler" spec.md §1 names as a
// pluggable command family), registered from cmd/tsi the same way as
// internal/bss and internal/uftp.
package reservation

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/handlers"
	"github.com/unicore-eu/tsi/internal/message"
)

// Adapter holds the configured make/cancel reservation commands.
type Adapter struct {
	makeCmd, cancelCmd string
}

// New reads reservation_make_cmd/reservation_cancel_cmd from cfg.
func New(cfg *config.Config) *Adapter {
	make_, cancel := cfg.ReservationCommands()
	return &Adapter{makeCmd: make_, cancelCmd: cancel}
}

// Register installs TSI_MAKERESERVATION and TSI_CANCELRESERVATION onto b.
func (a *Adapter) Register(b *handlers.Builder) *handlers.Builder {
	b.Register("TSI_MAKERESERVATION", a.make)
	b.Register("TSI_CANCELRESERVATION", a.cancel)
	return b
}

func (a *Adapter) make(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	if a.makeCmd == "" {
		return conn.Failed("reservation support is not configured")
	}
	args, ok := firstArgLine(msg.Raw, "#TSI_MAKERESERVATION")
	if !ok {
		return conn.Failed("missing arguments for TSI_MAKERESERVATION")
	}
	out, err := exec.Command(a.makeCmd, strings.Fields(args)...).CombinedOutput()
	if err != nil {
		return conn.Failed(fmt.Sprintf("%v: %s", err, out))
	}
	return conn.OK(strings.TrimSpace(string(out)))
}

func (a *Adapter) cancel(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	if a.cancelCmd == "" {
		return conn.Failed("reservation support is not configured")
	}
	id, ok := firstArgLine(msg.Raw, "#TSI_CANCELRESERVATION")
	if !ok {
		return conn.Failed("missing reservation id for TSI_CANCELRESERVATION")
	}
	out, err := exec.Command(a.cancelCmd, id).CombinedOutput()
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
