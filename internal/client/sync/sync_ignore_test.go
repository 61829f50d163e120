package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncIgnoreList_DefaultAndCustomRules(t *testing.T) {
	baseDir := t.TempDir()
	ignore := NewSyncIgnoreList(baseDir)

	// defaults apply without a .divioignore
	ignore.Load()

	assert.True(t, ignore.ShouldIgnore("templates/page.html.swp"))
	assert.True(t, ignore.ShouldIgnore("templates/page.html~"))
	assert.True(t, ignore.ShouldIgnore("static/4913"))
	assert.False(t, ignore.ShouldIgnore("templates/page.html"))
	assert.False(t, ignore.ShouldIgnore("static/app.bak"))

	custom := []byte(`
# comment
*.bak
secret.html
`)
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, ignoreFileName), custom, 0o644))
	ignore.Load()

	assert.True(t, ignore.ShouldIgnore("static/app.bak"), "custom *.bak should now ignore")
	assert.True(t, ignore.ShouldIgnore("templates/secret.html"))
	assert.True(t, ignore.ShouldIgnore("templates/page.html.swp"), "defaults survive a custom file")
	assert.False(t, ignore.ShouldIgnore("templates/page.html"), "unmatched paths not ignored")
}

func TestSyncIgnoreList_NilSafe(t *testing.T) {
	var ignore *SyncIgnoreList
	assert.False(t, ignore.ShouldIgnore("templates/a.html"))
}
