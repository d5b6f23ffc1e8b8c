// Package config defines and loads the Gatewarden configuration.
//
// Configuration is YAML with a fixed loading sequence:
//
//  1. Parse the file
//  2. Apply environment variable overrides (GATEWARDEN_*)
//  3. Apply defaults to unset fields
//  4. Validate
//
// Validation collects every field error before failing, and an invalid
// configuration prevents startup entirely; the engine never reaches
// request traffic with, say, a zero refill rate.
//
// Watch provides hot reload: the config file is monitored with fsnotify
// and a validated fresh Config is delivered to the caller on change.
// The run command uses this to swap tier tables and whitelist seeds
// without a restart.
package config
