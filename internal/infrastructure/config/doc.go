// Package config handles loading and validating shellkit configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with SHELLKIT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// The same configuration drives the CLI and the test fixtures: test runs
// have no command line of their own, so SHELLKIT_CONFIG and the individual
// SHELLKIT_* variables stand in for runner flags.
//
// Usage:
//
//	cfg, err := config.Load("shellkit.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Defaults.StartTimeout)
package config
