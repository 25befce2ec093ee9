//go:build !linux

package privcheck

// GetCaps always reports an unrestricted set on non-Linux platforms:
// the TSI's identity switch is Linux-only (see internal/identity's
// //go:build linux syscall boundary), so the preflight is a no-op
// elsewhere.
func GetCaps() (Capabilities, error) {
	return All, nil
}
