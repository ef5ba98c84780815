// Package sandbox is the extension runtime. It runs as a child of the
// supervisor and hosts one goja VM per (window, extension) pair.
//
// Each context owns a Loop; every touch of its VM happens on that loop.
// Extensions reach the outside world only through require('vscode'), whose
// methods turn into RPCs to the supervisor. require of a bare name is a
// capability check against the policy, and file modules must resolve
// inside the extension's install directory.
//
// Activation lifecycle per context:
//
//	dormant ──event──► activating ──ok──► activated
//	                        │
//	                        └──error/timeout──► failed ──explicit activate──► activating
//
// Activation of the same pair is single-flight. Triggers ("*",
// workspaceContains, onStartupFinished, onLanguage) never retry a failed
// context; extension.activate does.
//
// Editor notifications for a window are serialized on a per-window worker
// so an onLanguage activation completes before the matching open event is
// delivered and relayed to language servers.
package sandbox
