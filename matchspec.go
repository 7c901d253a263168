package conda

import (
	"strings"

	"golang.org/x/xerrors"
)

// MatchSpec is a string-form constraint over package name, version and build,
// optionally qualified with a channel, e.g. "defaults::numpy >=1.11" or
// "python=3.9=*_cpython".
type MatchSpec struct {
	Channel string
	Name    string
	Version string // raw version constraint expression, may be empty
	Build   string // exact build string, or a prefix followed by a trailing "*"; any other "*" is literal; may be empty

	constraints []versionConstraint
}

type versionConstraint struct {
	op      string
	version VersionOrder
	prefix  string // for fuzzy "1.2.*" and "=1.2" style matching
}

// ParseMatchSpec parses a spec string. The empty string is an error; a bare
// name matches any version of that package.
func ParseMatchSpec(spec string) (MatchSpec, error) {
	ms := MatchSpec{}
	s := strings.TrimSpace(spec)
	if s == "" {
		return ms, xerrors.New("empty match spec")
	}

	if idx := strings.Index(s, "::"); idx > -1 {
		ms.Channel = s[:idx]
		s = s[idx+2:]
	}

	// "name op version" or "name=version=build"
	if idx := strings.IndexAny(s, " =<>!"); idx > -1 {
		ms.Name = strings.TrimSpace(s[:idx])
		rest := strings.TrimSpace(s[idx:])
		if strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==") {
			// fuzzy form: =version or =version=build
			fields := strings.SplitN(strings.TrimPrefix(rest, "="), "=", 2)
			ms.Version = "=" + fields[0]
			if len(fields) == 2 {
				ms.Build = fields[1]
			}
		} else {
			ms.Version = strings.TrimSpace(rest)
		}
	} else {
		ms.Name = s
	}
	if ms.Name == "" {
		return ms, xerrors.Errorf("match spec %q has no package name", spec)
	}

	for _, expr := range strings.Split(ms.Version, ",") {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		c, err := parseConstraint(expr)
		if err != nil {
			return ms, xerrors.Errorf("match spec %q: %w", spec, err)
		}
		ms.constraints = append(ms.constraints, c)
	}
	return ms, nil
}

// MustParseMatchSpec is ParseMatchSpec for statically known specs.
func MustParseMatchSpec(spec string) MatchSpec {
	ms, err := ParseMatchSpec(spec)
	if err != nil {
		panic(err)
	}
	return ms
}

func parseConstraint(expr string) (versionConstraint, error) {
	for _, op := range []string{"==", ">=", "<=", "!=", ">", "<"} {
		if strings.HasPrefix(expr, op) {
			v := strings.TrimSpace(expr[len(op):])
			if v == "" {
				return versionConstraint{}, xerrors.Errorf("constraint %q has no version", expr)
			}
			return versionConstraint{op: op, version: ParseVersion(v)}, nil
		}
	}
	// fuzzy: "=1.2", "1.2.*" or a bare version (exact match)
	if strings.HasPrefix(expr, "=") || strings.HasSuffix(expr, ".*") || strings.HasSuffix(expr, "*") {
		prefix := strings.TrimPrefix(expr, "=")
		prefix = strings.TrimSuffix(prefix, "*")
		prefix = strings.TrimSuffix(prefix, ".")
		return versionConstraint{op: "=", prefix: prefix}, nil
	}
	return versionConstraint{op: "==", version: ParseVersion(expr)}, nil
}

func (c versionConstraint) match(version string) bool {
	switch c.op {
	case "=":
		return version == c.prefix ||
			strings.HasPrefix(version, c.prefix+".") ||
			strings.HasPrefix(version, c.prefix+"-")
	}
	cmp := ParseVersion(version).Compare(c.version)
	switch c.op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

// Match reports whether prec satisfies the spec.
func (ms MatchSpec) Match(prec *PackageRecord) bool {
	if ms.Name != prec.Name {
		return false
	}
	if ms.Channel != "" && ms.Channel != prec.Channel.Name && ms.Channel != prec.Channel.CanonicalName {
		return false
	}
	for _, c := range ms.constraints {
		if !c.match(prec.Version) {
			return false
		}
	}
	if ms.Build != "" {
		if strings.HasSuffix(ms.Build, "*") {
			if !strings.HasPrefix(prec.Build, strings.TrimSuffix(ms.Build, "*")) {
				return false
			}
		} else if ms.Build != prec.Build {
			return false
		}
	}
	return true
}

func (ms MatchSpec) String() string {
	var b strings.Builder
	if ms.Channel != "" {
		b.WriteString(ms.Channel)
		b.WriteString("::")
	}
	b.WriteString(ms.Name)
	if ms.Version != "" {
		b.WriteString(" ")
		b.WriteString(ms.Version)
	}
	if ms.Build != "" {
		b.WriteString(" ")
		b.WriteString(ms.Build)
	}
	return b.String()
}
