// Package client is a thin JSON client for the Drover operator API, used
// by the CLI subcommands and by anything else that drives a running
// fabric remotely.
package client
