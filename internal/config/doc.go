// Package config loads broker configuration from an optional JSON or YAML
// file and overlays INSTJOBS_* environment variables on top. Defaults are
// always applied first, so a partial file or environment is fine.
package config
