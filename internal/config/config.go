// Package config loads and validates the TSI's properties-file
// configuration (spec.md §3, §4.B). The grammar is a flat
// dotted.key = value properties file, parsed by a single
// regexp-anchored line scan (keyLineRE below) straight into the
// validated accessor fields; no third-party properties-file library is
// used. This is intentional, not an oversight: every key this file
// cares about is already dispatched through c.apply's per-key
// validation, so a general .properties parser would only ever be
// consulted for its raw key/value map (RawString's fallback for
// unrecognized keys) — a role a plain map serves exactly as well, the
// same call internal/usercache's resolver makes for os/user lookups
// rather than wrapping them in an unneeded abstraction.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/unicore-eu/tsi/internal/tsierr"
)

// ACLPolicy is the per-path ACL handling mode (spec.md §3 "acl.<path>").
type ACLPolicy string

const (
	ACLNone  ACLPolicy = "NONE"
	ACLPosix ACLPolicy = "POSIX"
	ACLNfs   ACLPolicy = "NFS"
)

func parseACLPolicy(v string) (ACLPolicy, bool) {
	switch ACLPolicy(v) {
	case ACLNone, ACLPosix, ACLNfs:
		return ACLPolicy(v), true
	}
	return "", false
}

// keyLineRE mirrors spec.md §4.B: `^\s*([A-Za-z0-9._\-/]+)\s*=\s*(.+)$`.
// Lines that don't match (comments included) are silently ignored.
var keyLineRE = regexp.MustCompile(`^\s*([A-Za-z0-9._\-/]+)\s*=\s*(.+)$`)

var booleanKeys = map[string]bool{
	"switch_uid":             true,
	"enforce_os_gids":        true,
	"fail_on_invalid_gids":   true,
	"use_id_to_resolve_gids": true,
	"open_user_sessions":     true,
	"use_syslog":             true,
	"debug":                  true,
}

func isTruthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true"
}

// Config is the TSI's immutable-after-load configuration. The three
// runtime-populated fields (EffectiveUID, EffectiveGID, AllowedIPs) are
// written at startup by identity.Initialize (SetEffectiveIdentity, which
// refuses a second call) and by cmd/tsi's call to ResolveAllowedIPs.
type Config struct {
	raw map[string]string

	// bools, decided at load time (case-insensitive "1"/"true").
	bools map[string]bool

	// ACL policy per path, collected from acl.<path> keys.
	acl map[string]ACLPolicy

	// Allowed peer DNs, collected from allowed_dn.<id> keys, in file order.
	allowedDNs []string

	// Scalars with defaults.
	userCacheTTLSeconds int
	safeDir             string
	defaultJobName      string
	njsMachine          string
	nodesFilter         string
	workerID            string

	getfaclCmd, setfaclCmd       string
	nfsGetfaclCmd, nfsSetfaclCmd string

	bssSubmitCmd, bssStatusCmd, bssAbortCmd, bssHoldCmd, bssResumeCmd string
	uftpCmd                                                           string
	reservationMakeCmd, reservationCancelCmd                          string

	// Runtime-populated, see identity.Initialize.
	effectiveUID int
	effectiveGID int
	effectiveSet bool

	allowedIPs []string
}

// Defaults returns the configuration defaults from original_source's
// TSI.py:setup_defaults, applied before the file is parsed so that any
// key the file doesn't mention keeps its UNICORE-compatible default.
func Defaults() *Config {
	return &Config{
		bools: map[string]bool{
			"switch_uid":             true,
			"enforce_os_gids":        true,
			"fail_on_invalid_gids":   false,
			"use_id_to_resolve_gids": false,
			"open_user_sessions":     false,
			"use_syslog":             false,
			"debug":                  false,
		},
		acl:                 map[string]ACLPolicy{},
		userCacheTTLSeconds: 600,
		safeDir:             "/tmp",
		defaultJobName:      "UnicoreJob",
		njsMachine:          "localhost",
		nodesFilter:         "",
		workerID:            "1",
	}
}

// Load reads and validates a properties file per spec.md §4.B. DN
// normalization is performed here, per original_source's
// TSI.py:process_config_value; njs_machine→IP resolution is not done by
// Load, it is a separate ResolveAllowedIPs call made after loading.
func Load(data []byte) (*Config, error) {
	c := Defaults()
	c.raw = map[string]string{}

	for _, line := range strings.Split(string(data), "\n") {
		m := keyLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, value := m[1], strings.TrimSpace(m[2])
		c.raw[key] = value
		if err := c.apply(key, value); err != nil {
			return nil, err
		}
	}

	c.resolveAllowedIPs()
	return c, nil
}

func (c *Config) apply(key, value string) error {
	switch {
	case booleanKeys[key]:
		c.bools[key] = isTruthy(value)
		return nil
	case strings.HasPrefix(key, "acl."):
		policy, ok := parseACLPolicy(value)
		if !ok {
			return tsierr.NewConfigError(key, fmt.Errorf("invalid ACL policy %q: must be NONE, POSIX or NFS", value))
		}
		path := strings.TrimPrefix(key, "acl.")
		c.acl[path] = policy
		return nil
	case strings.HasPrefix(key, "allowed_dn."):
		c.allowedDNs = append(c.allowedDNs, normalizeDN(value))
		return nil
	}

	switch key {
	case "userCacheTtl":
		n, err := strconv.Atoi(value)
		if err != nil {
			return tsierr.NewConfigError(key, fmt.Errorf("not an integer: %q", value))
		}
		c.userCacheTTLSeconds = n
	case "safe_dir":
		c.safeDir = value
	case "default_job_name":
		c.defaultJobName = value
	case "njs_machine":
		c.njsMachine = value
	case "nodes_filter":
		c.nodesFilter = value
	case "worker.id":
		c.workerID = value
	case "getfacl_cmd":
		c.getfaclCmd = value
	case "setfacl_cmd":
		c.setfaclCmd = value
	case "nfs_getfacl_cmd":
		c.nfsGetfaclCmd = value
	case "nfs_setfacl_cmd":
		c.nfsSetfaclCmd = value
	case "bss_submit_cmd":
		c.bssSubmitCmd = value
	case "bss_status_cmd":
		c.bssStatusCmd = value
	case "bss_abort_cmd":
		c.bssAbortCmd = value
	case "bss_hold_cmd":
		c.bssHoldCmd = value
	case "bss_resume_cmd":
		c.bssResumeCmd = value
	case "uftp_cmd":
		c.uftpCmd = value
	case "reservation_make_cmd":
		c.reservationMakeCmd = value
	case "reservation_cancel_cmd":
		c.reservationCancelCmd = value
	}
	// Unknown keys are stored as raw strings (already true, since c.raw
	// holds every matched key regardless of whether we recognize it).
	return nil
}

// normalizeDN canonicalizes a peer DN for comparison: collapse
// whitespace around RDN separators. A full X.500 canonicalization
// belongs to the (out-of-scope) transport layer's peer-DN allow-list;
// the core only needs a stable string form to compare against.
func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}

func (c *Config) resolveAllowedIPs() {
	// Intentionally empty: allowed IPs are populated by cmd/tsi at
	// startup via ResolveAllowedIPs, since
	// name resolution failures must be logged (spec.md §4.B) and Config
	// has no logger of its own.
}

// ResolveAllowedIPs resolves njs_machine (comma-separated hostnames) to
// IPs, per original_source's TSI.py:setup_allowed_ips. Unresolvable
// names are reported via warn but do not fail the load.
func (c *Config) ResolveAllowedIPs(warn func(format string, args ...interface{})) {
	var ips []string
	for _, machine := range strings.Split(c.njsMachine, ",") {
		machine = strings.TrimSpace(machine)
		if machine == "" {
			continue
		}
		addrs, err := net.LookupHost(machine)
		if err != nil || len(addrs) == 0 {
			if warn != nil {
				warn("could not resolve allowed machine %q: %v", machine, err)
			}
			continue
		}
		ips = append(ips, addrs...)
	}
	c.allowedIPs = ips
}

// --- accessors -------------------------------------------------------

func (c *Config) Bool(key string) bool           { return c.bools[key] }
func (c *Config) SwitchUID() bool                { return c.bools["switch_uid"] }
func (c *Config) EnforceOSGids() bool            { return c.bools["enforce_os_gids"] }
func (c *Config) FailOnInvalidGids() bool        { return c.bools["fail_on_invalid_gids"] }
func (c *Config) UseIDToResolveGids() bool       { return c.bools["use_id_to_resolve_gids"] }
func (c *Config) OpenUserSessions() bool         { return c.bools["open_user_sessions"] }
func (c *Config) UseSyslog() bool                { return c.bools["use_syslog"] }
func (c *Config) Debug() bool                    { return c.bools["debug"] }
func (c *Config) UserCacheTTLSeconds() int       { return c.userCacheTTLSeconds }
func (c *Config) SafeDir() string                { return c.safeDir }
func (c *Config) DefaultJobName() string         { return c.defaultJobName }
func (c *Config) NodesFilter() string            { return c.nodesFilter }
func (c *Config) WorkerID() string               { return c.workerID }
func (c *Config) AllowedIPs() []string           { return append([]string(nil), c.allowedIPs...) }
func (c *Config) AllowedDNs() []string           { return append([]string(nil), c.allowedDNs...) }
func (c *Config) ACLPolicy(path string) (ACLPolicy, bool) {
	p, ok := c.acl[path]
	return p, ok
}

// ACLSupport reports whether POSIX and/or NFS ACL command pairs are
// configured, per original_source's TSI.py:setup_acl.
func (c *Config) ACLSupport() (posix, nfs bool) {
	posix = c.getfaclCmd != "" && c.setfaclCmd != ""
	nfs = c.nfsGetfaclCmd != "" && c.nfsSetfaclCmd != ""
	return
}

func (c *Config) ACLCommands() (getfacl, setfacl string)    { return c.getfaclCmd, c.setfaclCmd }
func (c *Config) NFSACLCommands() (getfacl, setfacl string) { return c.nfsGetfaclCmd, c.nfsSetfaclCmd }

// BSSCommands returns the configured shell commands backing the batch
// system adapter (spec.md §1 "it does not itself implement any batch
// system" — these are the pluggable collaborator's command templates,
// analogous to the acl.<path> getfacl/setfacl pair).
func (c *Config) BSSCommands() (submit, status, abort, hold, resume string) {
	return c.bssSubmitCmd, c.bssStatusCmd, c.bssAbortCmd, c.bssHoldCmd, c.bssResumeCmd
}

// UFTPCommand returns the configured UFTP transfer command template.
func (c *Config) UFTPCommand() string { return c.uftpCmd }

// ReservationCommands returns the configured advance-reservation
// make/cancel command templates.
func (c *Config) ReservationCommands() (make, cancel string) {
	return c.reservationMakeCmd, c.reservationCancelCmd
}

// RawString returns an arbitrary (including unrecognized) key's value.
func (c *Config) RawString(key string, def string) string {
	if v, ok := c.raw[key]; ok {
		return v
	}
	return def
}

// --- identity-restore target (written exactly once) -------------------

// SetEffectiveIdentity records the restore target. It is a
// ConfigError to call this more than once (spec.md §3 invariant:
// "written exactly once at initialization and never mutated").
func (c *Config) SetEffectiveIdentity(uid, gid int) error {
	if c.effectiveSet {
		return tsierr.NewConfigError("effective_uid/effective_gid", fmt.Errorf("already initialized"))
	}
	c.effectiveUID = uid
	c.effectiveGID = gid
	c.effectiveSet = true
	return nil
}

func (c *Config) EffectiveUID() int { return c.effectiveUID }
func (c *Config) EffectiveGID() int { return c.effectiveGID }

// Validate rejects impossible configurations that are detectable from
// the file content alone (effectiveUID-dependent checks live in
// identity.Initialize, which runs after Load).
func (c *Config) Validate() error {
	if c.userCacheTTLSeconds < 0 {
		return tsierr.NewConfigError("userCacheTtl", fmt.Errorf("must be >= 0"))
	}
	if strings.TrimSpace(c.safeDir) == "" {
		return tsierr.NewConfigError("safe_dir", fmt.Errorf("must not be empty"))
	}
	for path, policy := range c.acl {
		if _, ok := parseACLPolicy(string(policy)); !ok {
			return tsierr.NewConfigError("acl."+path, fmt.Errorf("invalid policy %q", policy))
		}
	}
	return nil
}
