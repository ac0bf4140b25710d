// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads tether configuration.
//
// Configuration comes from a single file named either by the
// TETHER_CONFIG environment variable (via [Load]) or by a --config
// flag (via [LoadFile]). There is no discovery and no per-field
// environment override. Files ending in .json or .jsonc are stripped
// of comments and trailing commas with tidwall/jsonc and then parsed
// like YAML, so one set of struct tags serves all three formats.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches. Production
// without an explicit section logs JSON at info level.
//
// Path fields (identity.key_file) expand ${HOME} and ${VAR:-default}
// after loading.
//
// Durations are Go duration strings ("1s", "250ms").
//
// This package depends on no other tether packages.
package config
