package device

import (
	"strings"

	"golang.org/x/mod/semver"
)

// normalizeVersion coerces a reported firmware/dataset version string (e.g.
// "3.04") into the "vX.Y.Z" form golang.org/x/mod/semver requires,
// zero-filling any missing components and dropping leading zeros.
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, p := range parts {
		if len(p) > 1 {
			if parts[i] = strings.TrimLeft(p, "0"); parts[i] == "" {
				parts[i] = "0"
			}
		}
	}
	return "v" + strings.Join(parts[:3], ".")
}

// MeetsMinimumVersion reports whether reported is parseable as a semantic
// version and is not older than minimum, the way
// pkg/atlas/server.go gates launcher versions with semver.IsValid and
// semver.Compare. An empty minimum always passes (no floor configured); an
// unparseable reported version fails closed, since a device reporting
// garbage for its version string is itself a diagnostic signal.
func MeetsMinimumVersion(reported, minimum string) bool {
	if minimum == "" {
		return true
	}
	r, m := normalizeVersion(reported), normalizeVersion(minimum)
	if !semver.IsValid(r) || !semver.IsValid(m) {
		return false
	}
	return semver.Compare(r, m) >= 0
}
