// Package schema defines the kernel's algebraic schema IR: the closed set of
// value shapes (bool/nat/int/text/bytes/hash/time/option/list/set/map/record/
// variant/ref) that every canonical value, manifest definition, and plan
// expression is checked against. Schemas are compiled once per manifest
// version and cached in an Index; values carry no self-describing tags at
// rest — the schema, not the value, says what a byte string means.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Name is a versioned identifier of the form "ns/local@v" (v >= 1). It keys
// every defkind (defschema, defmodule, defplan, defcap, defpolicy, defeffect,
// defsecret, defgovernance) in a manifest.
type Name struct {
	Namespace string
	Local     string
	Version   uint32
}

// ParseName parses "ns/local@v" into a Name. Returns an error if the string
// does not match that shape or the version is not a positive integer.
func ParseName(s string) (Name, error) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return Name{}, fmt.Errorf("schema: invalid name %q: missing namespace separator", s)
	}
	ns, rest := s[:slash], s[slash+1:]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return Name{}, fmt.Errorf("schema: invalid name %q: missing version", s)
	}
	local, verStr := rest[:at], rest[at+1:]
	if ns == "" || local == "" {
		return Name{}, fmt.Errorf("schema: invalid name %q: empty namespace or local part", s)
	}
	ver, err := strconv.ParseUint(verStr, 10, 32)
	if err != nil || ver < 1 {
		return Name{}, fmt.Errorf("schema: invalid name %q: version must be a positive integer", s)
	}
	return Name{Namespace: ns, Local: local, Version: uint32(ver)}, nil
}

// String renders the Name back to "ns/local@v" form.
func (n Name) String() string {
	return fmt.Sprintf("%s/%s@%d", n.Namespace, n.Local, n.Version)
}

// IsSystem reports whether the name lives in the reserved "sys" namespace,
// which manifests may reference but never redefine.
func (n Name) IsSystem() bool {
	return n.Namespace == "sys"
}
