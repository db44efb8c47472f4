// Package version holds build information for netcored.
//
// The values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/netcore/version.Version=1.0.0 \
//	    -X github.com/go-i2p/netcore/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "dev".
package version

// Product is the name sent in the Server response header.
const Product = "netcored"

// Version is the software version.
var Version = "dev"

// GitCommit is the short commit hash.
var GitCommit = ""

// BuildTime is the UTC build timestamp.
var BuildTime = ""

// Full returns the version with commit and build time when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// ServerHeader returns the value for the Server response header, such as
// "netcored/1.0.0". The build time is left out.
func ServerHeader() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	return Product + "/" + v
}
