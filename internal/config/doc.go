// Package config loads, normalizes, and validates fgp configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the FGP_SERVICES_ROOT environment
// override. The Config type centralizes every knob the front-end, the
// lifecycle manager and service hosts need: probe and startup ceilings,
// monitor polling, host grace periods and per-service executable overrides.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
