/*
Package config loads server configuration: built-in defaults, then an
optional YAML file, then TASKWRIGHT_* environment overrides. The
resulting Config is validated once at startup and never mutated after.
*/
package config
