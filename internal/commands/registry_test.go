package commands

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

func cmd(win, ext, id string) types.Command {
	return types.Command{ID: id, ExtensionID: ext, WindowID: win, Enabled: true}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(cmd("w1", "a.b", "a.run")))

	got, ok := r.Lookup("w1", "a.run")
	require.True(t, ok)
	assert.Equal(t, "a.b", got.ExtensionID)

	_, ok = r.Lookup("w2", "a.run")
	assert.False(t, ok, "commands are window scoped")
}

func TestRegisterConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(cmd("w1", "a.b", "shared.cmd")))

	assert.NoError(t, r.Register(cmd("w1", "a.b", "shared.cmd")), "same owner may re-register")
	assert.ErrorIs(t, r.Register(cmd("w1", "c.d", "shared.cmd")), errs.ErrInvalidParams)
	assert.NoError(t, r.Register(cmd("w2", "c.d", "shared.cmd")), "other windows are independent")

	assert.ErrorIs(t, r.Register(types.Command{}), errs.ErrInvalidParams)
	assert.ErrorIs(t, r.Register(types.Command{ID: "x", ExtensionID: "a.b"}), errs.ErrInvalidParams)
}

func TestBuiltInsAreGlobalAndReserved(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterBuiltIn("workbench.action.reloadExtensions"))

	got, ok := r.Lookup("w9", "workbench.action.reloadExtensions")
	require.True(t, ok)
	assert.True(t, got.BuiltIn())

	err := r.Register(cmd("w1", "a.b", "workbench.action.reloadExtensions"))
	assert.ErrorIs(t, err, errs.ErrInvalidParams)

	assert.Zero(t, r.PurgeWindow(""))
	assert.Equal(t, 1, r.Count())
}

func TestUnregisterChecksOwner(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(cmd("w1", "a.b", "a.run")))

	assert.ErrorIs(t, r.Unregister("w1", "c.d", "a.run"), errs.ErrInvalidParams)
	assert.NoError(t, r.Unregister("w1", "a.b", "a.run"))
	assert.ErrorIs(t, r.Unregister("w1", "a.b", "a.run"), errs.ErrCommandNotFound)
}

func TestSetEnabled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(cmd("w1", "a.b", "a.run")))
	require.NoError(t, r.SetEnabled("w1", "a.run", false))

	got, _ := r.Lookup("w1", "a.run")
	assert.False(t, got.Enabled)
	assert.ErrorIs(t, r.SetEnabled("w1", "missing", true), errs.ErrCommandNotFound)
}

func TestPurgeWindowLeavesNothingBehind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterBuiltIn("host.reload"))
	require.NoError(t, r.Register(cmd("w1", "a.b", "a.one")))
	require.NoError(t, r.Register(cmd("w1", "c.d", "c.two")))
	require.NoError(t, r.Register(cmd("w2", "a.b", "a.one")))

	assert.Equal(t, 2, r.PurgeWindow("w1"))
	assert.Equal(t, []types.Command{{ID: "host.reload", Enabled: true}}, r.List("w1"))
	assert.Len(t, r.List("w2"), 2)

	// Re-attach starts empty and re-registration works.
	require.NoError(t, r.Register(cmd("w1", "c.d", "a.one")))
	assert.Len(t, r.List("w1"), 2)
}

func TestPurgeExtension(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(cmd("w1", "a.b", "a.one")))
	require.NoError(t, r.Register(cmd("w2", "a.b", "a.one")))
	require.NoError(t, r.Register(cmd("w2", "c.d", "c.one")))

	assert.Equal(t, 1, r.PurgeExtension("w1", "a.b"))
	assert.Equal(t, 1, r.PurgeExtension("", "a.b"))
	assert.Equal(t, 1, r.Count())
}

func TestOnChangeReportsCount(t *testing.T) {
	r := NewRegistry()
	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	require.NoError(t, r.Register(cmd("w1", "a.b", "a.one")))
	require.NoError(t, r.Register(cmd("w1", "a.b", "a.two")))
	r.PurgeWindow("w1")

	assert.Equal(t, []int{1, 2, 0}, counts)
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(cmd("w1", "a.b", "a.cmd"+string(rune('A'+i%26))))
			_ = r.List("w1")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 26, r.Count())
}
