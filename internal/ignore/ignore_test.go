package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, root, relDir, content string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(relDir))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(content), 0o644))
}

func TestRootRules(t *testing.T) {
	root := t.TempDir()
	writeRules(t, root, "", "*.log\nbuild/\n")

	f := NewFilter(root)

	assert.True(t, f.IsIgnored("debug.log"))
	assert.True(t, f.IsIgnored("sub/debug.log"))
	assert.True(t, f.IsIgnored("build/out.bin"))
	assert.False(t, f.IsIgnored("main.go"))
	assert.False(t, f.IsIgnored("sub/main.go"))
}

func TestDeeperRulesOverride(t *testing.T) {
	root := t.TempDir()
	writeRules(t, root, "", "*.log\n")
	writeRules(t, root, "keep", "!important.log\n")

	f := NewFilter(root)

	assert.True(t, f.IsIgnored("keep/noise.log"))
	assert.False(t, f.IsIgnored("keep/important.log"))
}

func TestNegationWithinFile(t *testing.T) {
	root := t.TempDir()
	writeRules(t, root, "", "*.log\n!trace.log\n")

	f := NewFilter(root)

	assert.True(t, f.IsIgnored("x.log"))
	assert.False(t, f.IsIgnored("trace.log"))
}

func TestDefaults(t *testing.T) {
	f := NewFilter(t.TempDir())

	assert.True(t, f.IsIgnored(".git/config"))
	assert.True(t, f.IsIgnored("a.txt.synche-tmp-3fa9c1"))
	assert.False(t, f.IsIgnored("a.txt"))
	assert.False(t, f.IsIgnored(".gitignore"))
}

func TestNoRules(t *testing.T) {
	f := NewFilter(t.TempDir())

	assert.False(t, f.IsIgnored("anything/goes.here"))
}

func TestInvalidateRereads(t *testing.T) {
	root := t.TempDir()
	f := NewFilter(root)

	assert.False(t, f.IsIgnored("secret.env"))

	writeRules(t, root, "", "*.env\n")
	// cached: still visible until invalidated
	assert.False(t, f.IsIgnored("secret.env"))

	f.Invalidate("")
	assert.True(t, f.IsIgnored("secret.env"))
}

func TestIsRuleFile(t *testing.T) {
	assert.True(t, IsRuleFile(".gitignore"))
	assert.True(t, IsRuleFile("sub/.gitignore"))
	assert.False(t, IsRuleFile("sub/file.txt"))
}
