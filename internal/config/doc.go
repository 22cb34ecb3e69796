// Package config loads, normalizes, and validates cap2cal configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CAP2CAL_LLM_API_KEY and CAP2CAL_TOKEN. The Config type centralizes every knob
// the server and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
