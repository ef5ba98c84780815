package sandbox

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// document is the runtime's view of a file open in a window.
type document struct {
	Path       string
	LanguageID string
	Text       string
	Version    int
}

// windowState tracks one attached window. Editor notifications for the
// window run in order on worker.
type windowState struct {
	id              string
	roots           []string
	startupFinished bool
	docs            map[string]*document
	active          string
	worker          *Loop
}

func (r *Runtime) newWindow(id string, roots []string) *windowState {
	log := r.logger.With(zap.String("window_id", id))
	return &windowState{
		id:    id,
		roots: roots,
		docs:  make(map[string]*document),
		worker: newLoop(func(rec interface{}) {
			log.Error("Editor job panicked", zap.Any("panic", rec))
		}),
	}
}

// enqueue runs fn on the window's worker. The caller is the IPC read loop,
// so a full queue drops the event instead of blocking.
func (r *Runtime) enqueue(windowID, what string, fn func()) {
	r.mu.Lock()
	w, ok := r.windows[windowID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("Editor event for unknown window", zap.String("window_id", windowID), zap.String("event", what))
		return
	}
	if !w.worker.TrySubmit(fn) {
		r.logger.Warn("Editor queue full, dropping event", zap.String("window_id", windowID), zap.String("event", what))
	}
}

func (r *Runtime) documents(windowID string) []document {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[windowID]
	if !ok {
		return nil
	}
	out := make([]document, 0, len(w.docs))
	for _, d := range w.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (r *Runtime) activeDocument(windowID string) (document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[windowID]
	if !ok || w.active == "" {
		return document{}, false
	}
	if d, ok := w.docs[w.active]; ok {
		return *d, true
	}
	return document{Path: w.active, LanguageID: types.LanguageForPath(w.active), Version: 1}, true
}

func languageOf(ev types.FileEvent) string {
	if ev.LanguageID != "" {
		return ev.LanguageID
	}
	return types.LanguageForPath(ev.Path)
}

// track records ev in the window and returns the updated document. active
// also makes it the active editor.
func (r *Runtime) track(ev types.FileEvent, active bool) (document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[ev.WindowID]
	if !ok {
		return document{}, false
	}
	d, ok := w.docs[ev.Path]
	if !ok {
		d = &document{Path: ev.Path}
		w.docs[ev.Path] = d
	}
	d.LanguageID = languageOf(ev)
	if ev.Text != "" || d.Version == 0 {
		d.Text = ev.Text
	}
	d.Version++
	if active {
		w.active = ev.Path
	}
	return *d, true
}

// broadcast runs fn on every activated context of the window.
func (r *Runtime) broadcast(windowID string, fn func(c *extContext)) {
	for _, c := range r.activated(windowID) {
		c := c
		c.loop.Submit(func() { fn(c) })
	}
}

func (r *Runtime) fileOpened(ev types.FileEvent) {
	doc, ok := r.track(ev, true)
	if !ok {
		return
	}
	r.activateForLanguage(ev.WindowID, doc.LanguageID)
	r.broadcast(ev.WindowID, func(c *extContext) {
		c.fire(c.emitters[emitterOpen], c.document(doc))
		c.fire(c.emitters[emitterActive], c.editor(doc))
	})
	r.relay(ev.WindowID, doc, relayOpen)
}

func (r *Runtime) fileChanged(ev types.FileEvent) {
	doc, ok := r.track(ev, false)
	if !ok {
		return
	}
	r.broadcast(ev.WindowID, func(c *extContext) {
		change := c.vm.NewObject()
		_ = change.Set("document", c.document(doc))
		edit := c.vm.NewObject()
		_ = edit.Set("text", doc.Text)
		_ = change.Set("contentChanges", c.vm.NewArray(edit))
		c.fire(c.emitters[emitterChange], change)
	})
	r.relay(ev.WindowID, doc, relayChange)
}

func (r *Runtime) fileSaved(ev types.FileEvent) {
	r.mu.Lock()
	var doc document
	if w, ok := r.windows[ev.WindowID]; ok {
		if d, ok := w.docs[ev.Path]; ok {
			doc = *d
		}
	}
	r.mu.Unlock()
	if doc.Path == "" {
		doc = document{Path: ev.Path, LanguageID: languageOf(ev), Text: ev.Text, Version: 1}
	}
	r.broadcast(ev.WindowID, func(c *extContext) {
		c.fire(c.emitters[emitterSave], c.document(doc))
	})
	r.relay(ev.WindowID, doc, relaySave)
}

func (r *Runtime) activeChanged(ev types.FileEvent) {
	r.mu.Lock()
	if w, ok := r.windows[ev.WindowID]; ok {
		w.active = ev.Path
	}
	r.mu.Unlock()

	doc, ok := r.activeDocument(ev.WindowID)
	r.broadcast(ev.WindowID, func(c *extContext) {
		if !ok {
			c.fire(c.emitters[emitterActive], goja.Undefined())
			return
		}
		c.fire(c.emitters[emitterActive], c.editor(doc))
	})
}

func (r *Runtime) startupFinished(windowID string) {
	r.mu.Lock()
	w, ok := r.windows[windowID]
	if ok {
		w.startupFinished = true
	}
	r.mu.Unlock()
	if ok {
		r.runTriggers(context.Background(), windowID)
	}
}

// Document relay to language server sessions.

type relayKind int

const (
	relayOpen relayKind = iota
	relayChange
	relaySave
)

type lspNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId,omitempty"`
	Version    *int   `json:"version,omitempty"`
	Text       string `json:"text,omitempty"`
}

type contentChange struct {
	Text string `json:"text"`
}

func fileURI(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

func didOpen(doc document, version int) lspNotification {
	return lspNotification{JSONRPC: "2.0", Method: "textDocument/didOpen", Params: map[string]interface{}{
		"textDocument": textDocumentItem{URI: fileURI(doc.Path), LanguageID: doc.LanguageID, Version: &version, Text: doc.Text},
	}}
}

func didChange(doc document, version int) lspNotification {
	return lspNotification{JSONRPC: "2.0", Method: "textDocument/didChange", Params: map[string]interface{}{
		"textDocument":   textDocumentItem{URI: fileURI(doc.Path), Version: &version},
		"contentChanges": []contentChange{{Text: doc.Text}},
	}}
}

func didSave(doc document) lspNotification {
	return lspNotification{JSONRPC: "2.0", Method: "textDocument/didSave", Params: map[string]interface{}{
		"textDocument": textDocumentItem{URI: fileURI(doc.Path)},
	}}
}

func didClose(doc document) lspNotification {
	return lspNotification{JSONRPC: "2.0", Method: "textDocument/didClose", Params: map[string]interface{}{
		"textDocument": textDocumentItem{URI: fileURI(doc.Path)},
	}}
}

type relayed struct {
	route *sessionRoute
	msg   lspNotification
}

// relay forwards a document event to the window's LSP sessions that
// declared its language. Sessions without a language filter receive
// nothing. Versions are counted per session and restart at 1 when a
// document is opened again.
func (r *Runtime) relay(windowID string, doc document, kind relayKind) {
	if doc.LanguageID == "" {
		return
	}
	var out []relayed
	r.mu.Lock()
	for _, s := range r.routes {
		if s.key.window != windowID || !s.serves(doc.LanguageID) {
			continue
		}
		v, seen := s.versions[doc.Path]
		switch {
		case kind == relaySave && !seen:
			continue
		case kind == relaySave:
			out = append(out, relayed{s, didSave(doc)})
		case kind == relayOpen && seen:
			// Reopened: the server gets a fresh document.
			s.versions[doc.Path] = 1
			out = append(out, relayed{s, didClose(doc)}, relayed{s, didOpen(doc, 1)})
		case !seen:
			s.versions[doc.Path] = 1
			out = append(out, relayed{s, didOpen(doc, 1)})
		default:
			s.versions[doc.Path] = v + 1
			out = append(out, relayed{s, didChange(doc, v+1)})
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].route.id < out[j].route.id })
	for _, m := range out {
		payload, err := sonic.Marshal(m.msg)
		if err != nil {
			r.logger.Warn("Cannot encode document notification", zap.Error(err))
			continue
		}
		r.sendToSession(m.route, payload)
	}
}

func (r *Runtime) sendToSession(s *sessionRoute, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	defer cancel()
	params := types.SessionSendParams{
		Caller:    types.Caller{WindowID: s.key.window, ExtensionID: s.key.extension},
		SessionID: s.id,
		Payload:   payload,
	}
	if err := r.call(ctx, types.MethodSessionSend, params, nil); err != nil {
		r.logger.Debug("Document relay failed", zap.String("session", s.id), zap.Error(err))
	}
}
