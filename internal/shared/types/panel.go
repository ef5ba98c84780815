package types

// PanelOptions are the creation options of a webview panel.
type PanelOptions struct {
	EnableScripts bool `json:"enableScripts"`
	RetainContext bool `json:"retainContextWhenHidden"`
}

// Panel is the authoritative webview panel record held by the supervisor.
type Panel struct {
	PanelID       string       `json:"panelId"`
	ExtensionID   string       `json:"extensionId"`
	WindowID      string       `json:"windowId"`
	ViewType      string       `json:"viewType"`
	Title         string       `json:"title"`
	HTML          string       `json:"html"`
	SanitizedHTML string       `json:"sanitizedHtml,omitempty"`
	Options       PanelOptions `json:"options"`
	Visible       bool         `json:"visible"`
	Active        bool         `json:"active"`
}
