// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the tether binaries:
//
//   - [Fatal] reports an error from run() to stderr when the structured
//     logger may not exist yet, then exits 1.
//   - [NewLogger] builds the slog logger every binary hands to its
//     components.
package process
