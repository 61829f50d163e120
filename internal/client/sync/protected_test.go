package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtectedFiles(t *testing.T) {
	p := NewProtectedFiles([]string{"templates/base.html", "/static/css/theme.css", "private/**/*.po", " "})

	assert.True(t, p.IsProtected("templates/base.html"))
	assert.True(t, p.IsProtected("static/css/theme.css"), "leading slash is stripped")
	assert.True(t, p.IsProtected("private/locale/de/django.po"))
	assert.False(t, p.IsProtected("templates/page.html"))

	assert.True(t, p.ShouldConfirm("templates/base.html"))
	assert.True(t, p.MarkOverridden("templates/base.html"))
	assert.False(t, p.MarkOverridden("templates/base.html"))
	assert.False(t, p.ShouldConfirm("templates/base.html"))
	assert.True(t, p.IsOverridden("templates/base.html"))

	assert.False(t, p.ShouldConfirm("templates/page.html"))
}

func TestProtectedFiles_Nil(t *testing.T) {
	var p *ProtectedFiles
	assert.False(t, p.IsProtected("templates/base.html"))
	assert.False(t, p.ShouldConfirm("templates/base.html"))
	assert.False(t, p.MarkOverridden("templates/base.html"))
}
