// Package conda contains the domain model shared by all conda subsystems:
// package records, prefix setups and the version/spec types used to compare
// and select packages.
package conda

import (
	"fmt"
	"strings"
)

// Channel identifies the repository a package came from.
type Channel struct {
	Name          string `json:"name"`
	CanonicalName string `json:"canonical_name,omitempty"`
}

// DefaultsChannelName is the channel name that is elided from display unless
// channel URLs were explicitly requested.
const DefaultsChannelName = "defaults"

// PackageRecord describes one package instance: its identity, provenance and,
// for installed records, the file manifest written at link time. Records are
// treated as immutable once constructed.
type PackageRecord struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Channel     Channel  `json:"channel"`
	Subdir      string   `json:"subdir,omitempty"`
	URL         string   `json:"url,omitempty"`
	Depends     []string `json:"depends,omitempty"`
	Size        int64    `json:"size,omitempty"`

	// Noarch is "python" for python-noarch packages, "generic" for
	// platform-independent packages, empty otherwise.
	Noarch string `json:"noarch,omitempty"`

	// PackageType distinguishes ordinary and noarch packages from virtual
	// ones ("virtual_python_entry_point", ...). Empty means ordinary.
	PackageType string `json:"package_type,omitempty"`

	// Files is the manifest of prefix-relative paths owned by this record.
	// Populated for installed records (conda-meta) only.
	Files []string `json:"files,omitempty"`

	// PythonEntryPoints lists "name = module:func" console scripts declared
	// by a python-noarch package.
	PythonEntryPoints []string `json:"python_entry_points,omitempty"`

	// RequestedSpec is the user-supplied spec that caused this record to be
	// linked, if any.
	RequestedSpec string `json:"requested_spec,omitempty"`

	// ExtractedPackageDir records where the package contents were extracted
	// at link time. Installed records only.
	ExtractedPackageDir string `json:"extracted_package_dir,omitempty"`
}

// NameKeyGlobalPrefix marks namekeys of ordinary (non-namespaced) packages.
const NameKeyGlobalPrefix = "global:"

// NameKey returns the canonical grouping key for the record. Ordinary and
// noarch packages share the "global:" namespace; virtual package types group
// under their own type.
func (p *PackageRecord) NameKey() string {
	if p.PackageType == "" || strings.HasPrefix(p.PackageType, "noarch") {
		return NameKeyGlobalPrefix + p.Name
	}
	return p.PackageType + ":" + p.Name
}

// DistFileName returns the name-version-build triple, e.g. "numpy-1.11.3-py36_0".
// It names the conda-meta entry and the extracted package directory.
func (p *PackageRecord) DistFileName() string {
	return p.Name + "-" + p.Version + "-" + p.Build
}

// DistStr returns the fully qualified display form, e.g.
// "defaults::numpy-1.11.3-py36_0".
func (p *PackageRecord) DistStr() string {
	if cn := p.Channel.CanonicalName; cn != "" {
		return cn + "::" + p.DistFileName()
	}
	if p.Channel.Name != "" {
		return p.Channel.Name + "::" + p.DistFileName()
	}
	return p.DistFileName()
}

// RecordID returns the channel-qualified identity used in plan listings.
func (p *PackageRecord) RecordID() string {
	return p.DistStr()
}

// SameIdentity reports whether two records denote the same package instance.
func (p *PackageRecord) SameIdentity(o *PackageRecord) bool {
	return p.Name == o.Name &&
		p.Version == o.Version &&
		p.Build == o.Build &&
		p.BuildNumber == o.BuildNumber &&
		p.Channel.Name == o.Channel.Name &&
		p.Subdir == o.Subdir
}

// MajorMinor reduces a full version string to its major.minor part,
// e.g. "3.9.1" to "3.9". Returns the input unchanged if there are fewer than
// two dot-separated parts.
func MajorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

// PythonSitePackagesShortPath returns the prefix-relative site-packages
// directory for the given major.minor python version, or "" if pythonVersion
// is empty.
func PythonSitePackagesShortPath(pythonVersion string) string {
	if pythonVersion == "" {
		return ""
	}
	return fmt.Sprintf("lib/python%s/site-packages", pythonVersion)
}

// PrefixSetup is one unit of transaction intent for one prefix. Immutable
// input to the planner.
type PrefixSetup struct {
	TargetPrefix string
	UnlinkPrecs  []*PackageRecord
	LinkPrecs    []*PackageRecord
	RemoveSpecs  []string
	UpdateSpecs  []string
}

// StripGlobal removes the ordinary-package sentinel from a namekey for
// display.
func StripGlobal(namekey string) string {
	return strings.TrimPrefix(namekey, NameKeyGlobalPrefix)
}

// ConvertNameKey rewrites the ordinary-package sentinel so that sentinel-
// bearing keys sort first.
func ConvertNameKey(namekey string) string {
	if strings.HasPrefix(namekey, NameKeyGlobalPrefix) {
		return "0:" + namekey[len(NameKeyGlobalPrefix):]
	}
	return namekey
}
