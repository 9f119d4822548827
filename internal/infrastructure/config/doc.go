// Package config handles loading and validating the tunnel supervisor's
// daemon configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The daemon config is distinct from the tunnel snapshot: this file tells
// the supervisor how to run (binary path, timeouts, firewall knobs, where
// the snapshot lives), while the snapshot tells it what to run.
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Tunnel.Binary)
package config
