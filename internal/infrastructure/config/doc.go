// Package config handles loading and validating the Plejd bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The Plejd account password, mesh crypto key, MQTT password and
//     InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Config.String masks every secret and is safe to log
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.ID)
package config
