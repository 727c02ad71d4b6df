// Package config provides configuration loading and validation for the
// scribe ingestion service. It handles YAML-based configuration with
// per-section struct validation.
package config
