package link

import (
	"fmt"
	"sort"
	"strings"

	conda "github.com/richardjgowers/conda"
	"github.com/richardjgowers/conda/internal/config"
)

// PrecPair is the unlink/link pair of one package common to both sides of a
// transaction.
type PrecPair struct {
	Unlink *conda.PackageRecord
	Link   *conda.PackageRecord
}

// ChangeReport classifies the unlink/link sets of one prefix for human
// consumption.
type ChangeReport struct {
	Prefix        string
	SpecsToRemove []string
	SpecsToAdd    []string

	RemovedPrecs    map[string]*conda.PackageRecord
	NewPrecs        map[string]*conda.PackageRecord
	UpdatedPrecs    map[string]PrecPair
	DowngradedPrecs map[string]PrecPair
	SupersededPrecs map[string]PrecPair
	FetchPrecs      []*conda.PackageRecord
}

// CalculateChangeReport diffs the unlink and link sets. Updated means a
// version or build number increase; downgraded requires the same channel and
// subdir; everything else left over is superseded. Records equal on both
// sides are dropped: they are noarch python packages re-linked across a
// python version change.
func CalculateChangeReport(prefix string, unlinkPrecs, linkPrecs []*conda.PackageRecord,
	downloadURLs map[string]bool, specsToRemove, specsToAdd []string) *ChangeReport {

	report := &ChangeReport{
		Prefix:          prefix,
		SpecsToRemove:   specsToRemove,
		SpecsToAdd:      specsToAdd,
		RemovedPrecs:    make(map[string]*conda.PackageRecord),
		NewPrecs:        make(map[string]*conda.PackageRecord),
		UpdatedPrecs:    make(map[string]PrecPair),
		DowngradedPrecs: make(map[string]PrecPair),
		SupersededPrecs: make(map[string]PrecPair),
	}

	unlinkMap := make(map[string]*conda.PackageRecord)
	for _, prec := range unlinkPrecs {
		unlinkMap[prec.NameKey()] = prec
	}
	linkMap := make(map[string]*conda.PackageRecord)
	for _, prec := range linkPrecs {
		linkMap[prec.NameKey()] = prec
	}

	for namekey, prec := range unlinkMap {
		if _, ok := linkMap[namekey]; !ok {
			report.RemovedPrecs[namekey] = prec
		}
	}
	for namekey, prec := range linkMap {
		if _, ok := unlinkMap[namekey]; !ok {
			report.NewPrecs[namekey] = prec
		}
	}

	for namekey, linkPrec := range linkMap {
		unlinkPrec, ok := unlinkMap[namekey]
		if !ok {
			continue
		}
		pair := PrecPair{Unlink: unlinkPrec, Link: linkPrec}
		unlinkVO := conda.ParseVersion(unlinkPrec.Version)
		linkVO := conda.ParseVersion(linkPrec.Version)
		buildNumberIncreases := linkPrec.BuildNumber > unlinkPrec.BuildNumber
		switch {
		case linkVO.Equal(unlinkVO) && buildNumberIncreases || unlinkVO.Less(linkVO):
			report.UpdatedPrecs[namekey] = pair
		case linkPrec.Channel.Name == unlinkPrec.Channel.Name && linkPrec.Subdir == unlinkPrec.Subdir:
			if linkPrec.SameIdentity(unlinkPrec) {
				// noarch python packages are re-linked on a python version
				// change; leave them out of the report
				continue
			}
			report.DowngradedPrecs[namekey] = pair
		default:
			report.SupersededPrecs[namekey] = pair
		}
	}

	for _, prec := range linkPrecs {
		if downloadURLs[prec.URL] {
			report.FetchPrecs = append(report.FetchPrecs, prec)
		}
	}
	sort.Slice(report.FetchPrecs, func(i, j int) bool {
		return conda.ConvertNameKey(report.FetchPrecs[i].NameKey()) <
			conda.ConvertNameKey(report.FetchPrecs[j].NameKey())
	})

	return report
}

func humanBytes(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.0f KB", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/1024/1024)
	}
	return fmt.Sprintf("%.2f GB", float64(n)/1024/1024/1024)
}

func sortedNameKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return conda.ConvertNameKey(keys[i]) < conda.ConvertNameKey(keys[j])
	})
	return keys
}

// String renders the classic "## Package Plan ##" summary.
func (r *ChangeReport) String(cfg *config.Config) string {
	var b []string
	b = append(b, "", "## Package Plan ##\n")
	b = append(b, "  environment location: "+r.Prefix)
	b = append(b, "")
	if len(r.SpecsToRemove) > 0 {
		specs := append([]string(nil), r.SpecsToRemove...)
		sort.Strings(specs)
		b = append(b, "  removed specs:")
		for _, s := range specs {
			b = append(b, "    - "+s)
		}
		b = append(b, "")
	}
	if len(r.SpecsToAdd) > 0 {
		specs := append([]string(nil), r.SpecsToAdd...)
		sort.Strings(specs)
		b = append(b, "  added / updated specs:")
		for _, s := range specs {
			b = append(b, "    - "+s)
		}
		b = append(b, "")
	}

	channelFilt := func(s string) string {
		if !cfg.ShowChannelURLs && s == conda.DefaultsChannelName {
			return ""
		}
		return s
	}

	if len(r.FetchPrecs) > 0 {
		b = append(b, "\nThe following packages will be downloaded:\n")
		const fmtRow = "    %-27s|%17s"
		b = append(b, fmt.Sprintf(fmtRow, "package", "build"))
		b = append(b, fmt.Sprintf(fmtRow, strings.Repeat("-", 27), strings.Repeat("-", 17)))
		var totalDownloadBytes int64
		for _, prec := range r.FetchPrecs {
			totalDownloadBytes += prec.Size
			extra := fmt.Sprintf("%15s", humanBytes(prec.Size))
			if schannel := channelFilt(prec.Channel.CanonicalName); schannel != "" {
				extra += "  " + schannel
			}
			line := fmt.Sprintf(fmtRow,
				conda.StripGlobal(prec.NameKey())+"-"+prec.Version, prec.Build)
			b = append(b, line+extra)
		}
		b = append(b, strings.Repeat(" ", 4)+strings.Repeat("-", 60))
		b = append(b, fmt.Sprintf("%sTotal: %14s", strings.Repeat(" ", 43), humanBytes(totalDownloadBytes)))
	}

	truncKey := func(k string) string {
		if len(k) > 18 {
			return k[:17] + "~"
		}
		return k
	}
	addSingle := func(displayKey, dispStr string) string {
		return fmt.Sprintf("  %-18s %s", truncKey(displayKey), dispStr)
	}
	addDouble := func(displayKey, left, right string) string {
		if len(left) > 38 {
			left = left[:37] + "~"
		}
		return fmt.Sprintf("  %-18s %38s --> %s", truncKey(displayKey), left, right)
	}

	if len(r.NewPrecs) > 0 {
		b = append(b, "\nThe following NEW packages will be INSTALLED:\n")
		for _, namekey := range sortedNameKeys(r.NewPrecs) {
			prec := r.NewPrecs[namekey]
			b = append(b, addSingle(conda.StripGlobal(namekey), prec.RecordID()))
		}
	}
	if len(r.RemovedPrecs) > 0 {
		b = append(b, "\nThe following packages will be REMOVED:\n")
		for _, namekey := range sortedNameKeys(r.RemovedPrecs) {
			prec := r.RemovedPrecs[namekey]
			b = append(b, "  "+prec.Name+"-"+prec.Version+"-"+prec.Build)
		}
	}

	pairSection := func(title string, pairs map[string]PrecPair) {
		if len(pairs) == 0 {
			return
		}
		b = append(b, title)
		for _, namekey := range sortedNameKeys(pairs) {
			pair := pairs[namekey]
			left, right := diffStrs(pair.Unlink, pair.Link)
			b = append(b, addDouble(conda.StripGlobal(namekey), left, right))
		}
	}
	pairSection("\nThe following packages will be UPDATED:\n", r.UpdatedPrecs)
	pairSection("\nThe following packages will be SUPERSEDED by a higher-priority channel:\n",
		r.SupersededPrecs)
	pairSection("\nThe following packages will be DOWNGRADED:\n", r.DowngradedPrecs)

	b = append(b, "", "")
	return strings.Join(b, "\n")
}

// diffStrs renders the old and new sides of an update, mentioning only what
// changed.
func diffStrs(unlinkPrec, linkPrec *conda.PackageRecord) (string, string) {
	channelChange := unlinkPrec.Channel.Name != linkPrec.Channel.Name
	subdirChange := unlinkPrec.Subdir != linkPrec.Subdir
	versionChange := unlinkPrec.Version != linkPrec.Version
	buildChange := unlinkPrec.Build != linkPrec.Build

	var left, right []string
	if channelChange || subdirChange {
		if unlinkPrec.Channel.Name != "" {
			left = append(left, unlinkPrec.Channel.Name)
		}
		if linkPrec.Channel.Name != "" {
			right = append(right, linkPrec.Channel.Name)
		}
	}
	if subdirChange {
		left = append(left, "/"+unlinkPrec.Subdir)
		right = append(right, "/"+linkPrec.Subdir)
	}
	if (channelChange || subdirChange) && (versionChange || buildChange) {
		left = append(left, "::"+unlinkPrec.Name+"-")
		right = append(right, "::"+linkPrec.Name+"-")
	}
	if versionChange || buildChange {
		left = append(left, unlinkPrec.Version+"-"+unlinkPrec.Build)
		right = append(right, linkPrec.Version+"-"+linkPrec.Build)
	}
	return strings.Join(left, ""), strings.Join(right, "")
}
