package conda

import (
	"strconv"
	"strings"
)

// VersionOrder implements the conda version comparison scheme: an optional
// epoch ("1!2.0"), dot/underscore/dash separated components, each component
// split into alternating numeric and alphabetic runs. Numeric runs compare
// numerically, alphabetic runs lexically, and an alphabetic run sorts before
// a numeric one at the same position, so 1.0.1a < 1.0.1. The strings "dev"
// and "post" are special-cased to sort before and after everything else
// respectively.
type VersionOrder struct {
	raw        string
	epoch      int64
	components [][]versionPart
}

type versionPart struct {
	num   int64
	str   string
	isNum bool
}

// rank buckets a part for cross-kind comparison: dev < string < number < post.
func (p versionPart) rank() int {
	if !p.isNum {
		switch p.str {
		case "dev":
			return 0
		case "post":
			return 3
		default:
			return 1
		}
	}
	return 2
}

// ParseVersion parses a version string into its ordering form. Parsing never
// fails; unrecognized text simply compares lexically.
func ParseVersion(version string) VersionOrder {
	vo := VersionOrder{raw: version}
	v := strings.ToLower(strings.TrimSpace(version))

	if idx := strings.IndexByte(v, '!'); idx > -1 {
		epoch, err := strconv.ParseInt(v[:idx], 10, 64)
		if err == nil {
			vo.epoch = epoch
			v = v[idx+1:]
		}
	}
	// the local version part ("1.0+local") does not participate in ordering
	if idx := strings.IndexByte(v, '+'); idx > -1 {
		v = v[:idx]
	}

	v = strings.NewReplacer("_", ".", "-", ".").Replace(v)
	for _, component := range strings.Split(v, ".") {
		parts := splitRuns(component)
		if len(parts) == 0 {
			parts = []versionPart{{num: 0, isNum: true}}
		}
		// an implicit leading zero makes ".a" parse like ".0a"
		if !parts[0].isNum {
			parts = append([]versionPart{{num: 0, isNum: true}}, parts...)
		}
		vo.components = append(vo.components, parts)
	}
	return vo
}

// splitRuns splits "12ab3" into [12, "ab", 3].
func splitRuns(s string) []versionPart {
	var parts []versionPart
	for len(s) > 0 {
		i := 0
		digit := s[0] >= '0' && s[0] <= '9'
		for i < len(s) && (s[i] >= '0' && s[i] <= '9') == digit {
			i++
		}
		run := s[:i]
		s = s[i:]
		if digit {
			n, _ := strconv.ParseInt(run, 10, 64)
			parts = append(parts, versionPart{num: n, isNum: true})
		} else if run != "*" {
			parts = append(parts, versionPart{str: run})
		}
	}
	return parts
}

func (v VersionOrder) String() string { return v.raw }

// Compare returns -1, 0 or +1 depending on whether v sorts before, equal to
// or after o.
func (v VersionOrder) Compare(o VersionOrder) int {
	if v.epoch != o.epoch {
		if v.epoch < o.epoch {
			return -1
		}
		return 1
	}
	n := len(v.components)
	if len(o.components) > n {
		n = len(o.components)
	}
	for i := 0; i < n; i++ {
		if c := compareComponent(componentAt(v.components, i), componentAt(o.components, i)); c != 0 {
			return c
		}
	}
	return 0
}

func (v VersionOrder) Equal(o VersionOrder) bool { return v.Compare(o) == 0 }

func (v VersionOrder) Less(o VersionOrder) bool { return v.Compare(o) < 0 }

var zeroComponent = []versionPart{{num: 0, isNum: true}}

func componentAt(components [][]versionPart, i int) []versionPart {
	if i < len(components) {
		return components[i]
	}
	return zeroComponent
}

func compareComponent(a, b []versionPart) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		pa, pb := zeroComponent[0], zeroComponent[0]
		if i < len(a) {
			pa = a[i]
		}
		if i < len(b) {
			pb = b[i]
		}
		if c := comparePart(pa, pb); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(a, b versionPart) int {
	ra, rb := a.rank(), b.rank()
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if a.isNum {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	}
	return strings.Compare(a.str, b.str)
}
