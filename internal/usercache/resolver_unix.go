//go:build linux || darwin

package usercache

import (
	"bufio"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
)

// OSResolver is the production Resolver: os/user for account lookups
// (no ecosystem package in the retrieved pack wraps getpwnam(3)/
// getgrnam(3) more idiomatically than the standard library does) and
// `/etc/group` plus `id -G` for the two supplementary-group strategies
// spec.md §4.A requires.
type OSResolver struct{}

func (OSResolver) LookupUser(name string) (uid, gid int, home string, ok bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return -1, -1, "", false
	}
	uidN, err1 := strconv.Atoi(u.Uid)
	gidN, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return -1, -1, "", false
	}
	return uidN, gidN, u.HomeDir, true
}

func (OSResolver) LookupGroup(name string) (gid int, ok bool) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, false
	}
	n, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1, false
	}
	return n, true
}

func (OSResolver) GroupMembers(name string) []string {
	g, err := user.LookupGroup(name)
	if err != nil {
		return nil
	}
	// os/user does not expose the /etc/group member list directly, so
	// read it the same way useradd/adduser tooling does.
	f, err := os.Open("/etc/group")
	if err != nil {
		return nil
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 || fields[0] != name {
			continue
		}
		if len(fields) >= 3 && fields[2] != g.Gid {
			continue
		}
		members := strings.Split(fields[3], ",")
		out := make([]string, 0, len(members))
		for _, m := range members {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func (r OSResolver) SupplementaryGIDsViaOS(username string, primaryGID int) ([]int, bool) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, false
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil, false
	}
	gids := make([]int, 0, len(ids))
	for _, s := range ids {
		if n, err := strconv.Atoi(s); err == nil {
			gids = append(gids, n)
		}
	}
	return gids, true
}

func (OSResolver) SupplementaryGIDsViaID(username string) ([]int, bool) {
	out, err := exec.Command("id", "-G", username).Output()
	if err != nil {
		return nil, false
	}
	fields := strings.Fields(string(out))
	gids := make([]int, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			gids = append(gids, n)
		}
	}
	return gids, true
}
