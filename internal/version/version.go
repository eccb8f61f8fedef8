package version

// Version is the library version reported in telemetry resources and the
// User-Agent header. Overridden at release time via -ldflags.
var Version = "0.4.0-dev"
