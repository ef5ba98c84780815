package types

// Command is routing metadata for a registered command. The handler itself
// stays inside the sandbox that registered it.
type Command struct {
	ID          string `json:"id"`
	ExtensionID string `json:"extensionId"`
	WindowID    string `json:"windowId"`
	Enabled     bool   `json:"enabled"`
}

// BuiltIn reports whether the host itself owns the command.
func (c Command) BuiltIn() bool {
	return c.ExtensionID == ""
}
