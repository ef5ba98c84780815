package types

import (
	"encoding/json"
	"time"
)

// Runtime → supervisor requests.
const (
	MethodCommandsRegister   = "commands.register"
	MethodCommandsUnregister = "commands.unregister"
	MethodCommandsExecute    = "commands.execute"
	MethodCommandsList       = "commands.list"

	MethodWorkspaceReadFile      = "workspace.readFile"
	MethodWorkspaceWriteFile     = "workspace.writeFile"
	MethodWorkspaceStat          = "workspace.stat"
	MethodWorkspaceReadDirectory = "workspace.readDirectory"
	MethodWorkspaceFindFiles     = "workspace.findFiles"
	MethodWorkspaceRename        = "workspace.rename"
	MethodWorkspaceDelete        = "workspace.delete"
	MethodWorkspaceContains      = "workspace.contains"
	MethodWorkspaceConfiguration = "workspace.getConfiguration"
	MethodWorkspaceWatch         = "workspace.watch"
	MethodWorkspaceUnwatch       = "workspace.unwatch"

	MethodWindowShowMessage = "window.showMessage"

	MethodWebviewCreate      = "webview.create"
	MethodWebviewUpdate      = "webview.update"
	MethodWebviewReveal      = "webview.reveal"
	MethodWebviewDispose     = "webview.dispose"
	MethodWebviewPostMessage = "webview.postMessage"

	MethodSessionSpawn = "session.spawn"
	MethodSessionSend  = "session.send"
	MethodSessionStop  = "session.stop"

	MethodStorageGet  = "storage.get"
	MethodStorageSet  = "storage.set"
	MethodStorageKeys = "storage.keys"

	MethodSecretsGet    = "secrets.get"
	MethodSecretsStore  = "secrets.store"
	MethodSecretsDelete = "secrets.delete"
)

// Runtime → supervisor events.
const (
	EventActivation     = "activation"
	EventExtensionError = "extension.error"
	EventLog            = "log"
)

// Supervisor → runtime requests and notifications.
const (
	MethodPing     = "ping"
	MethodShutdown = "shutdown"

	MethodExtensionsSync      = "extensions.sync"
	MethodWindowAttach        = "window.attach"
	MethodWindowDetach        = "window.detach"
	MethodExtensionActivate   = "extension.activate"
	MethodExtensionDeactivate = "extension.deactivate"
	MethodCommandsInvoke      = "commands.invoke"
	MethodRuntimeStates       = "runtime.states"

	NotifyStartupFinished = "lifecycle.startupFinished"
	NotifyFileOpened      = "editor.fileOpened"
	NotifyFileChanged     = "editor.fileChanged"
	NotifyFileSaved       = "editor.fileSaved"
	NotifyActiveEditor    = "editor.activeChanged"
	NotifySessionMessage  = "session.message"
	NotifySessionExit     = "session.exit"
	NotifySessionError    = "session.error"
	NotifyWatcherEvent    = "watcher.event"
	NotifyWebviewMessage  = "webview.message"
)

// Caller identifies the extension context a runtime request comes from.
// The runtime fills it from the context's own identity; extension code
// cannot choose it.
type Caller struct {
	WindowID    string `json:"windowId"`
	ExtensionID string `json:"extensionId"`
}

type CommandParams struct {
	Caller
	Command string        `json:"command"`
	Args    []interface{} `json:"args,omitempty"`
}

type FileParams struct {
	Caller
	Path string `json:"path"`
}

type WriteFileParams struct {
	Caller
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type ReadFileResult struct {
	Content []byte `json:"content"`
	Size    int64  `json:"size"`
}

// FileStat is the result of workspace.stat.
type FileStat struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"mtime"`
	MIME    string    `json:"mime,omitempty"`
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

type ReadDirectoryResult struct {
	Entries   []DirEntry `json:"entries"`
	Truncated bool       `json:"truncated"`
}

type FindFilesParams struct {
	Caller
	Include    string `json:"include"`
	Exclude    string `json:"exclude,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type FindFilesResult struct {
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated"`
}

type RenameParams struct {
	Caller
	From      string `json:"from"`
	To        string `json:"to"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

type DeleteParams struct {
	Caller
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type ContainsParams struct {
	Caller
	Pattern string `json:"pattern"`
}

type ContainsResult struct {
	Found bool `json:"found"`
}

type ConfigurationParams struct {
	Caller
	Section string `json:"section,omitempty"`
}

type WatchParams struct {
	Caller
	Pattern string `json:"pattern"`
}

type WatchResult struct {
	WatcherID string `json:"watcherId"`
}

type UnwatchParams struct {
	Caller
	WatcherID string `json:"watcherId"`
}

type MessageParams struct {
	Caller
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Items    []string `json:"items,omitempty"`
}

type WebviewCreateParams struct {
	Caller
	ViewType string       `json:"viewType"`
	Title    string       `json:"title"`
	HTML     string       `json:"html,omitempty"`
	Options  PanelOptions `json:"options"`
}

type WebviewUpdateParams struct {
	Caller
	PanelID string  `json:"panelId"`
	Title   *string `json:"title,omitempty"`
	HTML    *string `json:"html,omitempty"`
}

type PanelParams struct {
	Caller
	PanelID string `json:"panelId"`
}

type WebviewPostParams struct {
	Caller
	PanelID string          `json:"panelId"`
	Message json.RawMessage `json:"message"`
}

type SessionSpawnParams struct {
	Caller
	Protocol  Protocol `json:"protocol"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

type SessionSendParams struct {
	Caller
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

type SessionParams struct {
	Caller
	SessionID string `json:"sessionId"`
}

// Storage scopes.
const (
	ScopeGlobal    = "global"
	ScopeWorkspace = "workspace"
)

type StorageParams struct {
	Caller
	Scope string          `json:"scope"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type StorageValueResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Found bool            `json:"found"`
}

type SecretParams struct {
	Caller
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type SecretResult struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// Supervisor → runtime payloads.

type SyncParams struct {
	Extensions []Extension `json:"extensions"`
}

type WindowParams struct {
	WindowID string   `json:"windowId"`
	Roots    []string `json:"roots,omitempty"`
}

// FileEvent carries an editor or file-system change for one window.
type FileEvent struct {
	WindowID   string `json:"windowId"`
	Path       string `json:"path"`
	LanguageID string `json:"languageId,omitempty"`
	Text       string `json:"text,omitempty"`
}

type ActivateParams struct {
	WindowID    string `json:"windowId"`
	ExtensionID string `json:"extensionId"`
	Event       string `json:"event"`
}

type ExtensionParams struct {
	ExtensionID string `json:"extensionId"`
}

type InvokeParams struct {
	WindowID    string        `json:"windowId"`
	ExtensionID string        `json:"extensionId"`
	Command     string        `json:"command"`
	Args        []interface{} `json:"args,omitempty"`
}

type SessionMessageParams struct {
	SessionID   string          `json:"sessionId"`
	WindowID    string          `json:"windowId"`
	ExtensionID string          `json:"extensionId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type SessionExitParams struct {
	SessionID   string `json:"sessionId"`
	WindowID    string `json:"windowId"`
	ExtensionID string `json:"extensionId"`
	ExitCode    int    `json:"exitCode"`
	Signal      string `json:"signal,omitempty"`
}

type WatcherEventParams struct {
	WindowID    string `json:"windowId"`
	ExtensionID string `json:"extensionId"`
	WatcherID   string `json:"watcherId"`
	Kind        string `json:"kind"`
	Path        string `json:"path"`
}

type WebviewMessageParams struct {
	WindowID    string          `json:"windowId"`
	ExtensionID string          `json:"extensionId"`
	PanelID     string          `json:"panelId"`
	Message     json.RawMessage `json:"message"`
}

// Runtime → supervisor event payloads.

type ExtensionErrorEvent struct {
	WindowID    string `json:"windowId,omitempty"`
	ExtensionID string `json:"extensionId"`
	Message     string `json:"message"`
}

type LogEvent struct {
	WindowID    string `json:"windowId,omitempty"`
	ExtensionID string `json:"extensionId,omitempty"`
	Level       string `json:"level"`
	Message     string `json:"message"`
}
