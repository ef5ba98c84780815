package webview

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

func TestSanitizeWhenScriptsDisabled(t *testing.T) {
	p := NewPanels(nil)
	html := `<h1 onclick="steal()">Hi</h1><script>alert(1)</script><iframe src="x"></iframe>`

	plain, err := p.Create("w1", "a.b", "preview", "Preview", html, types.PanelOptions{})
	require.NoError(t, err)
	assert.Equal(t, html, plain.HTML)
	assert.NotContains(t, plain.SanitizedHTML, "script")
	assert.NotContains(t, plain.SanitizedHTML, "onclick")
	assert.NotContains(t, plain.SanitizedHTML, "iframe")
	assert.Contains(t, plain.SanitizedHTML, "Hi")

	scripted, err := p.Create("w1", "a.b", "preview", "Preview", html, types.PanelOptions{EnableScripts: true})
	require.NoError(t, err)
	assert.Empty(t, scripted.SanitizedHTML)
}

func TestRevealKeepsSingleActivePanel(t *testing.T) {
	p := NewPanels(nil)
	first, err := p.Create("w1", "a.b", "v", "one", "", types.PanelOptions{})
	require.NoError(t, err)
	second, err := p.Create("w1", "a.b", "v", "two", "", types.PanelOptions{})
	require.NoError(t, err)
	other, err := p.Create("w2", "a.b", "v", "other", "", types.PanelOptions{})
	require.NoError(t, err)

	_, err = p.Reveal("w1", "a.b", first.PanelID)
	require.NoError(t, err)

	active := 0
	for _, panel := range p.List("w1") {
		if panel.Active {
			active++
			assert.Equal(t, first.PanelID, panel.PanelID)
		}
	}
	assert.Equal(t, 1, active)

	got, _ := p.Get(second.PanelID)
	assert.False(t, got.Active)
	got, _ = p.Get(other.PanelID)
	assert.True(t, got.Active, "other windows are unaffected")
}

func TestOwnershipIsEnforced(t *testing.T) {
	p := NewPanels(nil)
	panel, err := p.Create("w1", "a.b", "v", "t", "", types.PanelOptions{})
	require.NoError(t, err)

	_, err = p.SetTitle("w1", "c.d", panel.PanelID, "hijack")
	assert.ErrorIs(t, err, errs.ErrPanelNotFound)
	assert.ErrorIs(t, p.Dispose("w2", "a.b", panel.PanelID), errs.ErrPanelNotFound)

	updated, err := p.SetTitle("w1", "a.b", panel.PanelID, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)

	updated, err = p.SetHTML("w1", "a.b", panel.PanelID, "<b>x</b><script></script>")
	require.NoError(t, err)
	assert.Equal(t, "<b>x</b>", updated.SanitizedHTML)

	require.NoError(t, p.Dispose("w1", "a.b", panel.PanelID))
	_, err = p.Get(panel.PanelID)
	assert.ErrorIs(t, err, errs.ErrPanelNotFound)
}

func TestPurgeNotifiesDisposal(t *testing.T) {
	p := NewPanels(nil)

	var mu sync.Mutex
	var disposed []string
	p.OnChange(func(kind string, panel types.Panel) {
		if kind == ChangeDisposed {
			mu.Lock()
			disposed = append(disposed, panel.PanelID)
			mu.Unlock()
		}
	})

	for _, owner := range [][2]string{{"w1", "a.b"}, {"w1", "c.d"}, {"w2", "a.b"}} {
		_, err := p.Create(owner[0], owner[1], "v", "t", "", types.PanelOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, p.PurgeExtension("w1", "a.b"))
	assert.Equal(t, 1, p.PurgeWindow("w1"))
	assert.Equal(t, 1, p.Count())
	assert.Len(t, disposed, 2)
}

func TestCreateValidates(t *testing.T) {
	p := NewPanels(nil)
	_, err := p.Create("", "a.b", "v", "t", "", types.PanelOptions{})
	assert.ErrorIs(t, err, errs.ErrInvalidParams)
	_, err = p.Create("w1", "a.b", "", "t", "", types.PanelOptions{})
	assert.ErrorIs(t, err, errs.ErrInvalidParams)
}
