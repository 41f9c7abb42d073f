package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// semVer is a dot-separated sequence of numeric components. It does
// not implement the full semver spec (no pre-release or build
// metadata) — field comparisons only ever need major/minor/patch-style
// dotted version strings, and pre-release tags would make ordering
// ambiguous without a richer grammar than rules carry.
type semVer []uint64

// parseSemVer splits s on '.' and parses each component as an
// unsigned integer. A component is allowed to be absent in one
// operand's string relative to the other; compare pads the shorter
// one with zeros, so "1.2" equals "1.2.0".
func parseSemVer(s string) (semVer, error) {
	if s == "" {
		return nil, fmt.Errorf("empty semver string")
	}
	parts := strings.Split(s, ".")
	sv := make(semVer, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid semver component %q in %q", p, s)
		}
		sv[i] = n
	}
	return sv, nil
}

// compare returns -1/0/1, treating a missing trailing component on
// either side as 0.
func (a semVer) compare(b semVer) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y uint64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
