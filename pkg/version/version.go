// Package version stamps the build identity reported by "northd version"
// and "northctl version"; northd has no -V flag.
package version

import "fmt"

// Version, GitCommit and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/nvcore/northd/pkg/version.Version=v1.0.0 \
//	  -X github.com/nvcore/northd/pkg/version.GitCommit=abc1234 \
//	  -X github.com/nvcore/northd/pkg/version.BuildDate=2026-07-29"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info renders a one-line version string for the CLI "version" output.
func Info() string {
	return fmt.Sprintf("northd %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
