package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the binary format revision. It is always the first byte of a payload.
type Version byte

const (
	// V1 is the full snapshot format.
	V1 Version = 1
	// V2 is the changeset format.
	V2 Version = 2

	// Latest is the highest version this build can read and write.
	Latest = V2
	// Default is assumed when a peer advertises nothing usable.
	Default = V1
)

// String returns the header representation of v.
func (v Version) String() string {
	return strconv.Itoa(int(v))
}

// Valid reports whether v is a known version.
func (v Version) Valid() bool {
	return v == V1 || v == V2
}

// ParseVersion parses a supported-version header value. Anything that is
// not a known version yields Default.
func ParseVersion(s string) Version {
	switch strings.TrimSpace(s) {
	case "1":
		return V1
	case "2":
		return V2
	default:
		return Default
	}
}

// ParseVersions returns the highest version among values, or Default.
func ParseVersions(values []string) Version {
	best := Default
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if v := ParseVersion(part); v > best {
				best = v
			}
		}
	}
	return best
}

// Negotiate picks the version to write given what the caller asked for and
// what the peer last advertised.
func Negotiate(requested, advertised Version) Version {
	if !requested.Valid() {
		requested = Default
	}
	if !advertised.Valid() {
		advertised = Default
	}
	return min(requested, advertised)
}

// versionOf validates the leading byte of a payload.
func versionOf(b byte) (Version, error) {
	v := Version(b)
	if !v.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownVersion, b)
	}
	return v, nil
}
