package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExtensions = []string{".html", ".css", ".js", ".png", ".txt"}

func newTestClassifier(t *testing.T) (*Classifier, string) {
	t.Helper()
	root := t.TempDir()
	return NewClassifier(root, []string{"templates", "static", "private"}, testExtensions, nil), root
}

func TestClassifier_SyncabilityBoundary(t *testing.T) {
	c, root := newTestClassifier(t)

	tests := []struct {
		name     string
		rel      string
		isDir    bool
		syncable bool
		reason   string
	}{
		{"nested template", "templates/sub/page.html", false, true, ""},
		{"hidden file", "templates/.hidden.html", false, false, ReasonHidden},
		{"wrong root", "assets/page.html", false, false, ReasonNotInSyncDir},
		{"disallowed extension", "templates/page.exe", false, false, ReasonInvalidName},
		{"hidden parent", "static/.cache/app.js", false, false, ReasonHidden},
		{"no extension", "private/Makefile", false, false, ReasonInvalidName},
		{"bad characters", "templates/what?.html", false, false, ReasonInvalidName},
		{"upper case extension", "static/LOGO.PNG", false, true, ""},
		{"directory without extension", "static/img", true, true, ""},
		{"sync dir itself", "templates", true, false, ReasonNotInSyncDir},
		{"prefix lookalike", "templates2/page.html", false, false, ReasonNotInSyncDir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			abs := filepath.Join(root, filepath.FromSlash(tt.rel))
			tp, ok, reason := c.Check(abs, tt.isDir)
			assert.Equal(t, tt.syncable, ok)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, filepath.Base(abs), tp.Name)
			if tt.reason != ReasonNotInSyncDir {
				assert.Equal(t, tt.rel, tp.Rel)
			}
		})
	}
}

func TestClassifier_OutsideRoot(t *testing.T) {
	c, _ := newTestClassifier(t)

	_, ok, reason := c.Check(filepath.Join(t.TempDir(), "templates", "a.html"), false)
	assert.False(t, ok)
	assert.Equal(t, ReasonNotInSyncDir, reason)
}

func TestClassifier_NullSource(t *testing.T) {
	c, _ := newTestClassifier(t)

	ev := c.Classify(RawEvent{Kind: EventDeleted, Src: ""})
	require.NotNil(t, ev)
	assert.False(t, ev.SrcSyncable)
	assert.Equal(t, ReasonInvalidEvent, ev.SrcReason)
	assert.False(t, ev.Syncable())
}

func TestClassifier_Move(t *testing.T) {
	c, root := newTestClassifier(t)

	ev := c.Classify(RawEvent{
		Kind: EventMoved,
		Src:  filepath.Join(root, "templates", "a.html"),
		Dst:  filepath.Join(root, "templates", ".a.html"),
	})

	assert.True(t, ev.SrcSyncable)
	assert.Equal(t, "templates/a.html", ev.Src.Rel)
	require.NotNil(t, ev.Dst)
	assert.False(t, ev.DstSyncable)
	assert.Equal(t, ReasonHidden, ev.DstReason)
	assert.False(t, ev.Syncable())

	ev = c.Classify(RawEvent{Kind: EventMoved, Src: filepath.Join(root, "templates", "a.html")})
	assert.Equal(t, ReasonInvalidEvent, ev.DstReason)
}

func TestClassifier_IgnoreFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ignoreFileName), []byte("drafts.html\n"), 0o644))

	ignore := NewSyncIgnoreList(root)
	ignore.Load()
	c := NewClassifier(root, []string{"templates"}, testExtensions, ignore)

	_, ok, reason := c.Check(filepath.Join(root, "templates", "drafts.html"), false)
	assert.False(t, ok)
	assert.Equal(t, ReasonIgnored, reason)

	assert.True(t, c.IsSyncable(filepath.Join(root, "templates", "final.html"), false))
}

func TestClassifier_SyncDirs(t *testing.T) {
	c, root := newTestClassifier(t)
	assert.Equal(t, []string{
		filepath.Join(root, "templates"),
		filepath.Join(root, "static"),
		filepath.Join(root, "private"),
	}, c.SyncDirs())
	assert.Equal(t, filepath.Clean(root), c.Root())
}
