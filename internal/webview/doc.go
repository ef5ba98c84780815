// Package webview keeps the authoritative table of webview panels.
//
// Extensions create and drive panels through the runtime; the supervisor
// owns the records the UI shell renders. When a panel is created without
// scripts enabled its HTML is passed through a bluemonday UGC policy, so
// the shell never receives script, event handler or iframe markup from an
// extension that did not ask for scripts.
//
// Within a window at most one panel is active. Revealing a panel makes it
// visible and active and deactivates the others.
package webview
