package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		input, owner, repo string
	}{
		{"https://github.com/acme/shop", "acme", "shop"},
		{"https://github.com/acme/shop.git", "acme", "shop"},
		{"https://github.com/acme/shop/", "acme", "shop"},
		{"git@github.com:acme/shop.git", "acme", "shop"},
		{"ssh://git@github.com/acme/shop.git", "acme", "shop"},
		{"/tmp/repos/acme/shop.git", "acme", "shop"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			owner, repo, err := ParseRepoURL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}

	_, _, err := ParseRepoURL("https://github.com/")
	assert.Error(t, err)
}

func TestProjectNameFor(t *testing.T) {
	assert.Equal(t, "acme-shop", ProjectNameFor("https://github.com/Acme/Shop.git"))
	assert.Equal(t, "remote", ProjectNameFor("remote.git"))
}

func TestProjectNameFor_LocalPath(t *testing.T) {
	assert.Equal(t, "remote", ProjectNameFor("/tmp/TestX/001/remote.git"))
	assert.Equal(t, "shop", ProjectNameFor("file:///srv/git/shop.git"))
}

func TestCleanProjectName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"acme-shop", "acme-shop"},
		{"Acme Shop", "acme-shop"},
		{"../victim", "victim"},
		{"a/../../b", "a-..-..-b"},
		{".", "project"},
		{"..", "project"},
		{"", "project"},
		{"/etc", "etc"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := CleanProjectName(tt.input)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, ValidateProjectName(got))
		})
	}
}

func TestValidateProjectName(t *testing.T) {
	assert.NoError(t, ValidateProjectName("acme-shop"))
	for _, bad := range []string{"", " ", ".", "..", "../x", "a/b", `a\b`, "x\x00"} {
		assert.Error(t, ValidateProjectName(bad), bad)
	}
}
