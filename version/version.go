package version

// Version is overridden at build time with -ldflags "-X playcheck/version.Version=...".
var Version = "0.3.0-dev"
