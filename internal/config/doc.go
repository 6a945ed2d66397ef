// Package config provides configuration types and loading for the key
// server.
//
// Configuration is read from a YAML file. ${VAR} and ${VAR:-default}
// references are substituted from the environment before parsing, and any
// field the file omits keeps its DefaultConfig value:
//
//	cfg, err := config.LoadConfig("keyserver.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// Watcher reloads the file on change and hands the new configuration to a
// callback; the server uses it to apply log level changes without restart.
package config
