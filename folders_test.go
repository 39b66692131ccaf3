package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFolderList(t *testing.T) {
	t.Parallel()

	var f folderList
	assert.Empty(t, f.list())
	assert.Equal(t, []string{"/game"}, f.merge([]string{"/game"}))

	f.add("/mods/a/Paks", "/scratch/modA")
	f.add(`\MODS\A\Paks`, "/scratch/modB")
	assert.Equal(t, []string{"/mods/a/Paks", "/scratch/modA", "/scratch/modB"}, f.list())

	f.remove(`\scratch\moda`)
	assert.Equal(t, []string{"/mods/a/Paks", "/scratch/modB"}, f.list())

	engine := []string{"/game", "/scratch/modB"}
	assert.Equal(t, []string{"/game", "/scratch/modB", "/mods/a/Paks"}, f.merge(engine))
	assert.Equal(t, []string{"/game", "/scratch/modB"}, engine, "engine list is not modified")
}
