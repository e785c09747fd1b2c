// Package app wires application dependencies for the CLI.
//
// It builds the concrete stores, directory client and services from Config,
// exposing them via the Wire struct, and holds the account lifecycle
// operations that span several services.
package app
