// Package defaults provides the embedded default configuration written
// by the loom init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
