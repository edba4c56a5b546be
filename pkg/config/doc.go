// Package config loads the rpcguard YAML configuration. Values not present
// in the file keep the defaults returned by Default, and ${VAR} references
// are expanded from the environment before parsing.
package config
