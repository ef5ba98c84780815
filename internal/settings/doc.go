// Package settings answers workspace.getConfiguration.
//
// Values come from three layers, highest precedence first:
//
//  1. per-window overrides pushed by the UI shell
//  2. the user settings file (.yaml, .yml, .toml, .json or .jsonc)
//  3. defaults declared by installed extensions under
//     contributes.configuration
//
// All layers are flattened to dotted keys ("editor.tabSize"), so a
// section lookup is a prefix match.
package settings
