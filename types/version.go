package types

// Version is the canonical project version.
// The binary, the HTTP API and the worker contract share this version.
const Version = "0.3.0"
