// Package commands provides the host-side command registry.
//
// The registry stores routing metadata only: which extension in which
// window owns a command id, and whether it is enabled. The handler closure
// stays inside the sandbox context that registered it; executing a command
// means asking the runtime to invoke it by id.
//
// Commands are scoped by window. Built-in host commands are registered
// once with no window or extension and are visible from every window.
//
// Example Usage:
//
//	reg := commands.NewRegistry()
//	err := reg.Register(types.Command{ID: "a.run", ExtensionID: "a.b", WindowID: win})
//	cmd, ok := reg.Lookup(win, "a.run")
//	reg.PurgeWindow(win)
package commands
