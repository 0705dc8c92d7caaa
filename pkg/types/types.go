package types

import (
	"fmt"
	"strings"
)

// Operation identifies a storage operation kind. Backends use it to derive
// rate-limiter partition keys.
type Operation string

const (
	OpRetrieve Operation = "retrieve"
	OpStore    Operation = "store"
	OpExists   Operation = "exists"
	OpMtime    Operation = "mtime"
	OpRemove   Operation = "remove"
	OpSize     Operation = "size"
	OpTouch    Operation = "touch"
)

// Operations lists every operation kind
var Operations = []Operation{OpRetrieve, OpStore, OpExists, OpMtime, OpRemove, OpSize, OpTouch}

// Capability is a bit set of the primitive groups a backend implements.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapGlob
	CapTouch

	CapNone Capability = 0
	CapAll             = CapRead | CapWrite | CapGlob | CapTouch
)

// Has reports whether every capability in other is present in c
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// String renders the capability set as "read|write|glob|touch".
func (c Capability) String() string {
	if c == CapNone {
		return "none"
	}
	var parts []string
	for _, named := range []struct {
		cap  Capability
		name string
	}{{CapRead, "read"}, {CapWrite, "write"}, {CapGlob, "glob"}, {CapTouch, "touch"}} {
		if c.Has(named.cap) {
			parts = append(parts, named.name)
		}
	}
	return strings.Join(parts, "|")
}

// Required returns the capability that guards op.
func (op Operation) Required() Capability {
	switch op {
	case OpStore, OpRemove:
		return CapWrite
	case OpTouch:
		return CapTouch
	default:
		return CapRead
	}
}

// ValidationResult is returned by a backend when checking a query
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Query  string `json:"query"`
}

// Valid returns a successful validation result for query
func Valid(query string) ValidationResult {
	return ValidationResult{Valid: true, Query: query}
}

// Invalid returns a failed validation result with a formatted reason
func Invalid(query, format string, args ...interface{}) ValidationResult {
	return ValidationResult{Query: query, Reason: fmt.Sprintf(format, args...)}
}

// Mtime distinguishes the modification time of a local file, of the target of
// a local symlink and of the remote object. Each part is optional.
type Mtime struct {
	local, localTarget, remote          float64
	hasLocal, hasLocalTarget, hasRemote bool
}

// WithLocal returns a copy with the local mtime set
func (m Mtime) WithLocal(ts float64) Mtime {
	m.local, m.hasLocal = ts, true
	return m
}

// WithLocalTarget returns a copy with the symlink target mtime set
func (m Mtime) WithLocalTarget(ts float64) Mtime {
	m.localTarget, m.hasLocalTarget = ts, true
	return m
}

// WithRemote returns a copy with the remote mtime set
func (m Mtime) WithRemote(ts float64) Mtime {
	m.remote, m.hasRemote = ts, true
	return m
}

// Remote returns the remote mtime
func (m Mtime) Remote() (float64, bool) {
	return m.remote, m.hasRemote
}

// Local returns the symlink target mtime when following symlinks and it is
// known, else the local mtime.
func (m Mtime) Local(followSymlinks bool) (float64, bool) {
	if followSymlinks && m.hasLocalTarget {
		return m.localTarget, true
	}
	return m.local, m.hasLocal
}

// LocalOrRemote prefers the remote mtime and falls back to Local.
func (m Mtime) LocalOrRemote(followSymlinks bool) (float64, bool) {
	if m.hasRemote {
		return m.remote, true
	}
	return m.Local(followSymlinks)
}
