package keel

// Version is the keel release, set at build time with
// -ldflags "-X github.com/aretw0/keel.Version=v1.2.3".
var Version = "dev"
