// Package config provides configuration loading and validation for the
// narrative session service. It handles YAML-based configuration with
// struct validation and calibration defaults for speech pacing.
package config
