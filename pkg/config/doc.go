// Package config loads the rebase-helper configuration file.
//
// The file is YAML. Values not present in the file keep their defaults
// (see Default), unknown keys are rejected, and the merged result is
// validated with struct tags:
//
//	build:
//	  retries: 2
//	  builder: remote
//	remote:
//	  host: builder.example.com
//	  user: mockbuild
//	  poll_interval: 30s
//	  max_poll_attempts: 240
//	checkers: [rpmdiff, abipkgdiff]
//	outputs: [text, json]
//
// Validation failures are reported as ValidationErrors, one entry per
// failed constraint, using the YAML key path (e.g. "remote.host").
//
// The Config converts into the option types of the packages it configures:
// SSHConfig, PollPolicy, LocalOptions, RemoteOptions, OrchestratorOptions
// and TelemetryConfig.
package config
