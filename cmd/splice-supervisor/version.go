package main

// Set via -ldflags at build time; zero values are fine for local runs.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
