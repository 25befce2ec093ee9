// Package handlers implements the TSI command functions and the
// Handler Registry (spec.md §4.E): "a mapping from command tag string
// to a handler with signature (message, connector, config) → void
// ... built once at startup by composing references to external
// collaborator functions".
//
// TSI_PING/TSI_PING_UID/TSI_EXECUTESCRIPT/TSI_LS/TSI_DF/TSI_FILE_ACL are
// implemented directly here, grounded on original_source/lib/TSI.py's
// ping/ping_uid/execute_script and IO.py/ACL.py, with the filesystem
// error-mapping style taken from
// kittyruntime-nasx/apps/root-worker/fs.go's mapOsErr. The batch-system
// (BSS), UFTP transfer, and reservation command families are external
// collaborators per spec.md §1 ("it does not itself implement any batch
// system"): this package only defines the interfaces they must satisfy
// and wires whatever implementation the entrypoint supplies into the
// registry under their TSI_* tags.
package handlers

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/connector"
	"github.com/unicore-eu/tsi/internal/message"
	"github.com/unicore-eu/tsi/internal/tsierr"
	"github.com/unicore-eu/tsi/internal/version"
)

// Handler is the fixed signature spec.md §4.E requires.
type Handler func(msg message.Message, conn connector.Connector, cfg *config.Config) error

// Logger is the minimal logging surface a handler may want; satisfied
// by *tsilog.Logger.
type Logger interface {
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nullLogger struct{}

func (nullLogger) Errorf(string, ...interface{}) {}
func (nullLogger) Debugf(string, ...interface{}) {}

// Registry is the immutable-after-construction command table.
type Registry struct {
	handlers map[string]Handler
}

// Builder accumulates handler registrations before Build freezes them.
// Mirrors original_source's TSI.py:init_functions, but as an explicit
// builder instead of a literal dict so external collaborators (BSS,
// UFTP, Reservation) can be registered from cmd/tsi without this
// package importing them.
type Builder struct {
	log Logger
	m   map[string]Handler
}

// NewBuilder starts a registry build. log may be nil.
func NewBuilder(log Logger) *Builder {
	if log == nil {
		log = nullLogger{}
	}
	b := &Builder{log: log, m: map[string]Handler{}}
	b.m["TSI_PING_UID"] = pingUID
	b.m["TSI_EXECUTESCRIPT"] = executeScript(log)
	b.m["TSI_LS"] = list
	b.m["TSI_DF"] = diskFree
	b.m["TSI_GETFILECHUNK"] = getFileChunk
	b.m["TSI_PUTFILECHUNK"] = putFileChunk
	b.m["TSI_FILE_ACL"] = fileACL
	return b
}

// Register installs or overrides a handler for tag. Used by cmd/tsi to
// wire external collaborator functions (BSS submit/status/abort, UFTP,
// Reservation) without this package depending on their packages.
func (b *Builder) Register(tag string, h Handler) *Builder {
	b.m[tag] = h
	return b
}

// Build freezes the registry. The returned Registry is safe to share
// across workers since it is never mutated after this call.
func (b *Builder) Build() *Registry {
	frozen := make(map[string]Handler, len(b.m))
	for k, v := range b.m {
		frozen[k] = v
	}
	return &Registry{handlers: frozen}
}

// Lookup resolves a command tag to its handler.
func (r *Registry) Lookup(tag string) (Handler, bool) {
	h, ok := r.handlers[tag]
	return h, ok
}

// Known returns the set of recognized tags, for message.Parse.
func (r *Registry) Known() map[string]bool {
	out := make(map[string]bool, len(r.handlers)+1)
	for k := range r.handlers {
		out[k] = true
	}
	out["TSI_PING"] = true // handled specially by the dispatcher, but still a recognized tag
	return out
}

// --- TSI_PING / TSI_PING_UID ------------------------------------------------

// Ping writes the TSI version string. The dispatcher invokes this
// directly for TSI_PING (spec.md §4.D step 4, bypassing identity
// switching entirely); it is exported so the dispatch package can call
// it.
func Ping(conn connector.Connector) error {
	return conn.WriteMessage(version.String())
}

// pingUID additionally reports the effective UID, for test harnesses
// (original_source's TSI.py:ping_uid: "useful mainly for unit testing").
func pingUID(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	if err := conn.WriteMessage(version.String()); err != nil {
		return err
	}
	return conn.WriteMessage(fmt.Sprintf(" running as UID [%d]", cfg.EffectiveUID()))
}

// --- TSI_EXECUTESCRIPT -------------------------------------------------------

func executeScript(log Logger) Handler {
	return func(msg message.Message, conn connector.Connector, cfg *config.Config) error {
		discard := msg.DiscardOutput()
		script := scriptBody(msg.Raw)
		cmd := exec.Command("/bin/sh", "-c", script)
		cmd.Dir = cfg.SafeDir()
		out, err := cmd.CombinedOutput()
		if err != nil {
			log.Debugf("execute_script failed: %v", err)
			return conn.Failed(combinedFailure(out, err))
		}
		if discard {
			return conn.OK("")
		}
		return conn.OK(string(out))
	}
}

// scriptBody strips the leading `#TSI_*` control lines so the shell
// sees only the user's script, per original_source's Utils.run_command.
func scriptBody(raw string) string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(l, "#TSI_") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func combinedFailure(out []byte, err error) string {
	if len(out) == 0 {
		return err.Error()
	}
	return fmt.Sprintf("%s: %s", err.Error(), string(out))
}

// --- filesystem error mapping ------------------------------------------------

// mapOsErr reduces an os/io error to the TSI failure-reason vocabulary,
// grounded on kittyruntime-nasx/apps/root-worker/fs.go's mapOsErr
// (same errno switch, adapted to the TSI's plain-text status protocol
// instead of a JSON error envelope).
func mapOsErr(err error) string {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var errno syscall.Errno
	if errors.As(err, &pathErr) {
		if e, ok := pathErr.Err.(syscall.Errno); ok {
			errno = e
		}
	} else if errors.As(err, &linkErr) {
		if e, ok := linkErr.Err.(syscall.Errno); ok {
			errno = e
		}
	}
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return "permission denied"
	case syscall.ENOENT:
		return "no such file or directory"
	case syscall.EEXIST, syscall.ENOTEMPTY:
		return "destination already exists"
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func validatePath(p string) error {
	if strings.ContainsRune(p, 0) {
		return tsierr.NewHandlerError("path", fmt.Errorf("invalid path: null byte"))
	}
	if !filepath.IsAbs(filepath.Clean(p)) {
		return tsierr.NewHandlerError("path", fmt.Errorf("invalid path: must be absolute"))
	}
	return nil
}

// --- TSI_LS -------------------------------------------------------------

func list(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	path, ok := firstArgLine(msg.Raw, "#TSI_LS")
	if !ok {
		return conn.Failed("missing path for TSI_LS")
	}
	if err := validatePath(path); err != nil {
		return conn.Failed(err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return conn.Failed(mapOsErr(err))
	}
	var b strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := "F"
		if info.IsDir() {
			kind = "D"
		}
		fmt.Fprintf(&b, "%s %o %d %s\n", kind, info.Mode().Perm(), info.Size(), e.Name())
	}
	return conn.OK(b.String())
}

// --- TSI_DF ---------------------------------------------------------------

func diskFree(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	path, ok := firstArgLine(msg.Raw, "#TSI_DF")
	if !ok {
		path = cfg.SafeDir()
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return conn.Failed(mapOsErr(err))
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return conn.OK(fmt.Sprintf("%d %d", total, free))
}

// --- TSI_GETFILECHUNK / TSI_PUTFILECHUNK -----------------------------------

func getFileChunk(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	path, ok := firstArgLine(msg.Raw, "#TSI_GETFILECHUNK")
	if !ok {
		return conn.Failed("missing path for TSI_GETFILECHUNK")
	}
	if err := validatePath(path); err != nil {
		return conn.Failed(err.Error())
	}
	f, err := os.Open(path)
	if err != nil {
		return conn.Failed(mapOsErr(err))
	}
	defer f.Close()
	r := bufio.NewReader(f)
	buf := make([]byte, 64*1024)
	n, err := r.Read(buf)
	if err != nil && n == 0 {
		return conn.Failed(mapOsErr(err))
	}
	return conn.OK(string(buf[:n]))
}

func putFileChunk(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	path, ok := firstArgLine(msg.Raw, "#TSI_PUTFILECHUNK")
	if !ok {
		return conn.Failed("missing path for TSI_PUTFILECHUNK")
	}
	if err := validatePath(path); err != nil {
		return conn.Failed(err.Error())
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return conn.Failed(mapOsErr(err))
	}
	defer f.Close()
	body := bodyAfterTag(msg.Raw, "#TSI_PUTFILECHUNK")
	if _, err := f.WriteString(body); err != nil {
		return conn.Failed(mapOsErr(err))
	}
	return conn.OK("")
}

// --- TSI_FILE_ACL -----------------------------------------------------------

// fileACL shells out to the configured getfacl (POSIX) or NFS getfacl
// command for the path and returns its output, per spec.md's acl.<path>
// policy and original_source's ACL.py dispatch on the configured
// command. It only reads ACLs; the setfacl commands are not used.
func fileACL(msg message.Message, conn connector.Connector, cfg *config.Config) error {
	path, ok := firstArgLine(msg.Raw, "#TSI_FILE_ACL")
	if !ok {
		return conn.Failed("missing path for TSI_FILE_ACL")
	}
	policy, ok := cfg.ACLPolicy(path)
	if !ok {
		policy = config.ACLNone
	}
	var getCmd string
	switch policy {
	case config.ACLPosix:
		getCmd, _ = cfg.ACLCommands()
	case config.ACLNfs:
		getCmd, _ = cfg.NFSACLCommands()
	default:
		return conn.Failed("ACL support is not enabled for this path")
	}
	if getCmd == "" {
		return conn.Failed("ACL command not configured")
	}
	out, err := exec.Command(getCmd, path).CombinedOutput()
	if err != nil {
		return conn.Failed(combinedFailure(out, err))
	}
	return conn.OK(string(out))
}

// --- message parsing helpers -------------------------------------------

// firstArgLine returns the text following "<tag> " on the tag's own
// line, e.g. "#TSI_LS /home/alice" -> "/home/alice".
func firstArgLine(raw, tag string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, tag+" ") {
			return strings.TrimSpace(strings.TrimPrefix(line, tag+" ")), true
		}
	}
	return "", false
}

// bodyAfterTag returns everything after the tag's own line, i.e. the
// payload of a chunked write.
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

// ParseUintArg is a small helper external collaborator handlers can
// reuse for numeric arguments (job IDs, chunk offsets).
func ParseUintArg(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}
