// Package host wires the supervisor, the brokers and the extension index
// into one coordinator.
//
// The Host installs the inbound RPC table the sandbox runtime calls into,
// relays UI events down to the runtime and fans runtime, broker and panel
// changes out to gateway subscribers through a Hub.
//
// Every resource that belongs to a window (commands, protocol sessions,
// webview panels, watchers, window settings and workspace roots) is purged
// when the window detaches, so a later attach starts from nothing.
package host
