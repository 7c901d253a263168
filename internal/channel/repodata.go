package channel

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	conda "github.com/richardjgowers/conda"
)

type repodataEntry struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Depends     []string `json:"depends"`
	Size        int64    `json:"size"`
	Noarch      string   `json:"noarch"`
}

// packageTypeFor maps a repodata noarch value onto the record's package
// type.
func packageTypeFor(noarch string) string {
	switch noarch {
	case "python":
		return "noarch_python"
	case "generic":
		return "noarch_generic"
	}
	return ""
}

type repodata struct {
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages map[string]repodataEntry `json:"packages"`
}

// FetchRepodata reads <base>/<subdir>/repodata.json and returns its records,
// sorted by name, then descending version/build number.
func FetchRepodata(ctx context.Context, base, channelName, subdir string) ([]*conda.PackageRecord, error) {
	if !conda.KnownSubdirs[subdir] {
		return nil, xerrors.Errorf("unknown channel subdir %q", subdir)
	}
	rd, err := Reader(ctx, base, subdir+"/repodata.json", true)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	b, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	var data repodata
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, xerrors.Errorf("parsing %s/%s/repodata.json: %w", base, subdir, err)
	}
	if data.Info.Subdir == "" {
		data.Info.Subdir = subdir
	}

	var recs []*conda.PackageRecord
	for filename, entry := range data.Packages {
		recs = append(recs, &conda.PackageRecord{
			Name:        entry.Name,
			Version:     entry.Version,
			Build:       entry.Build,
			BuildNumber: entry.BuildNumber,
			Depends:     entry.Depends,
			Size:        entry.Size,
			Noarch:      entry.Noarch,
			PackageType: packageTypeFor(entry.Noarch),
			Subdir:      data.Info.Subdir,
			Channel:     conda.Channel{Name: channelName, CanonicalName: channelName},
			URL:         strings.TrimSuffix(base, "/") + "/" + data.Info.Subdir + "/" + filename,
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Name != recs[j].Name {
			return recs[i].Name < recs[j].Name
		}
		vi, vj := conda.ParseVersion(recs[i].Version), conda.ParseVersion(recs[j].Version)
		if !vi.Equal(vj) {
			return vj.Less(vi)
		}
		return recs[i].BuildNumber > recs[j].BuildNumber
	})
	return recs, nil
}
