// Package bss is an illustrative batch-system adapter: spec.md §1 scopes
// "the concrete batch-system adapter (job submission, queue listing,
// status ...)" out of the core as a pluggable collaborator, so the core
// (internal/handlers, internal/dispatch) never imports this package.
// cmd/tsi wires it in at startup by calling Register on a
// *handlers.Builder, exactly the seam internal/handlers.Builder exists
// for.
//
// The adapter shells out to operator-configured command templates
// (bss_submit_cmd, bss_status_cmd, ...), the same "delegate to a
// configured external program" shape internal/handlers uses for
// TSI_FILE_ACL and TSI_EXECUTESCRIPT: a real UNICORE deployment points
// these at site-specific wrappers around Slurm/PBS/LSF submission
// tools, which this module has no business knowing about directly.
package bss

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/handlers"
	"github.com/unicore-eu/tsi/internal/message"
)

// Adapter holds the configured command templates for one worker.
type Adapter struct {
	submitCmd, statusCmd, abortCmd, holdCmd, resumeCmd string
}

// New reads the bss_*_cmd keys from cfg.
func New(cfg *config.Config) *Adapter {
	submit, status, abort, hold, resume := cfg.BSSCommands()
	return &Adapter{submitCmd: submit, statusCmd: status, abortCmd: abort, holdCmd: hold, resumeCmd: resume}
}

// Register installs the batch-system command family onto b.
func (a *Adapter) Register(b *handlers.Builder) *handlers.Builder {
	b.Register("TSI_SUBMIT", a.submit)
	b.Register("TSI_GETSTATUSLISTING", a.statusListing)
	b.Register("TSI_ABORTJOB", a.jobCommand(a.abortCmd, "TSI_ABORTJOB"))
	b.Register("TSI_HOLDJOB", a.jobCommand(a.holdCmd, "TSI_HOLDJOB"))
	b.Register("TSI_RESUMEJOB", a.jobCommand(a.resumeCmd, "TSI_RESUMEJOB"))
	return b
}

// submit writes the job script carried in the message body to a
// scratch file under safe_dir and passes it to the configured submit
// command, returning whatever the submit command prints (conventionally
// the batch system's job ID) as the success payload.
func (a *Adapter) submit(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	if a.submitCmd == "" {
		return conn.Failed("no batch system configured")
	}
	script := bodyAfterTag(msg.Raw, "#TSI_SUBMIT")
	if strings.TrimSpace(script) == "" {
		return conn.Failed("empty job script")
	}
	path := filepath.Join(cfg.SafeDir(), fmt.Sprintf("tsi-job-%s.sh", uuid.NewString()))
	if err := os.WriteFile(path, []byte(script), 0700); err != nil {
		return conn.Failed(fmt.Sprintf("could not stage job script: %v", err))
	}
	defer os.Remove(path)

	out, err := exec.Command(a.submitCmd, path).CombinedOutput()
	if err != nil {
		return conn.Failed(fmt.Sprintf("%v: %s", err, out))
	}
	return conn.OK(strings.TrimSpace(string(out)))
}

// statusListing reports the batch system's current queue listing with
// no job filter, per the "queue listing, status" collaborator role
// spec.md §1 names.
func (a *Adapter) statusListing(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	if a.statusCmd == "" {
		return conn.Failed("no batch system configured")
	}
	out, err := exec.Command(a.statusCmd).CombinedOutput()
	if err != nil {
		return conn.Failed(fmt.Sprintf("%v: %s", err, out))
	}
	return conn.OK(string(out))
}

// jobCommand builds a handler that runs cmdPath with the job ID carried
// as the tag's argument line, for the abort/hold/resume family which
// all share that same "one job ID, one verb" shape.
func (a *Adapter) jobCommand(cmdPath, tag string) handlers.Handler {
	return func(msg message.Message, conn connector.Connector, cfg *config.Config) error {
		if cmdPath == "" {
			return conn.Failed("no batch system configured")
		}
		jobID, ok := firstArgLine(msg.Raw, "#"+tag)
		if !ok {
			return conn.Failed("missing job id for " + tag)
		}
		out, err := exec.Command(cmdPath, jobID).CombinedOutput()
		if err != nil {
			return conn.Failed(fmt.Sprintf("%v: %s", err, out))
		}
		return conn.OK(string(out))
	}
}

func firstArgLine(raw, tag string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, tag+" ") {
			return strings.TrimSpace(strings.TrimPrefix(line, tag+" ")), true
		}
	}
	return "", false
}

func bodyAfterTag(raw, tag string) string {
	idx := strings.Index(raw, tag)
	if idx < 0 {
		return ""
	}
	rest := raw[idx:]
	nl := strings.Index(rest, "\n")
	if nl < 0 {
		return ""
	}
	return rest[nl+1:]
}
