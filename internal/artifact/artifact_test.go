package artifact

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderIsDeterministic(t *testing.T) {
	a, err := New("/mnt/data/user_files", "u-1", "c-9", "docx")
	require.NoError(t, err)
	b, err := New("/mnt/data/user_files", "u-1", "c-9", "docx")
	require.NoError(t, err)

	assert.Equal(t, "/mnt/data/user_files/u-1/c-9", a.Folder())
	assert.Equal(t, a.Folder(), b.Folder())
	assert.NotEqual(t, a.Name, b.Name)
	assert.Equal(t, a.Folder()+"/"+a.Name, a.Path())
}

func TestNewNameUniqueness(t *testing.T) {
	const n = 5000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		name, err := NewName("pdf")
		require.NoError(t, err)
		require.True(t, strings.HasSuffix(name, ".pdf"))
		_, dup := seen[name]
		require.False(t, dup, "collision after %d names: %s", i, name)
		seen[name] = struct{}{}
	}
}

func TestNewNameShape(t *testing.T) {
	name, err := NewName(".txt")
	require.NoError(t, err)
	base := strings.TrimSuffix(name, ".txt")
	assert.Len(t, base, 22)
	assert.NotContains(t, base, "/")
	assert.NotContains(t, base, "+")

	bare, err := NewName("")
	require.NoError(t, err)
	assert.NotContains(t, bare, ".")
}

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity("2f6c1d2e-7a"))
	assert.ErrorIs(t, ValidateIdentity(""), ErrEmptyIdentity)
	assert.ErrorIs(t, ValidateIdentity("   "), ErrEmptyIdentity)
	for _, bad := range []string{"..", ".", "a/b", `a\b`, "a\x00b"} {
		assert.ErrorIs(t, ValidateIdentity(bad), ErrUnsafeIdentity, bad)
	}
}

func TestNewRejectsTraversal(t *testing.T) {
	_, err := New("/root", "../etc", "c", "txt")
	assert.ErrorIs(t, err, ErrUnsafeIdentity)
	_, err = New("/root", "u", "", "txt")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestDownloadURL(t *testing.T) {
	loc := Location{User: "u 1", Conversation: "c&2", Name: "abc.md"}
	raw, err := DownloadURL("https://files.example.com/download?v=2", loc)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "u 1", q.Get("user_id"))
	assert.Equal(t, "c&2", q.Get("chat_id"))
	assert.Equal(t, "abc.md", q.Get("file_name"))
	assert.Equal(t, "2", q.Get("v"))
	assert.Equal(t, "/download", u.Path)
}
