// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the netbroker
// broker and proxies.
//
// Configuration is loaded from a single file specified by:
//   - the --config flag passed to the binary, or
//   - the NETBROKER_CONFIG environment variable.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas allowed; anything else is YAML. Absent fields keep the
// values from [Default]. Command-line flags are applied on top of the
// loaded file by each binary; this package does not read flags itself.
//
// ${HOME} and ${XDG_RUNTIME_DIR} are expanded in path fields so one file
// can be shared between users.
package config
