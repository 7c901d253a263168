package conda

import "runtime"

// KnownSubdirs contains one entry for each platform subdirectory a channel
// may carry.
var KnownSubdirs = map[string]bool{
	"noarch":        true,
	"linux-32":      true,
	"linux-64":      true,
	"linux-aarch64": true,
	"linux-ppc64le": true,
	"osx-64":        true,
	"osx-arm64":     true,
	"win-32":        true,
	"win-64":        true,
}

// CurrentSubdir returns the channel subdirectory matching the host platform.
func CurrentSubdir() string {
	switch runtime.GOOS {
	case "linux":
		switch runtime.GOARCH {
		case "arm64":
			return "linux-aarch64"
		case "ppc64le":
			return "linux-ppc64le"
		case "386":
			return "linux-32"
		}
		return "linux-64"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "osx-arm64"
		}
		return "osx-64"
	case "windows":
		if runtime.GOARCH == "386" {
			return "win-32"
		}
		return "win-64"
	}
	return "linux-64"
}
