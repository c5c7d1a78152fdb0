// Package config handles loading and validating SmartTrash Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Reading a .env file for local development
//   - Overriding with SMARTTRASH_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Secrets (JWT secret, database and broker passwords) should come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Tokens.Store)
package config
