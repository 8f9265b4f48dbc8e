package buildinfo

import (
	"runtime"
	"testing"

	"gotest.tools/v3/assert"
)

func stamp(t *testing.T, v, commit string) {
	t.Helper()
	oldVersion, oldCommit := version, gitCommit
	version, gitCommit = v, commit
	t.Cleanup(func() {
		version, gitCommit = oldVersion, oldCommit
	})
}

func TestLocalBuild(t *testing.T) {
	stamp(t, "", "")
	assert.Assert(t, IsLocal())
	assert.Equal(t, String(), "(local)")
	assert.Equal(t, Version(), "(local)")
}

func TestStampedBuild(t *testing.T) {
	stamp(t, "V1.2.0", "a1b2c3d4")
	assert.Assert(t, !IsLocal())
	assert.Equal(t, Version(), "1.2.0")
	assert.Equal(t, String(), "1.2.0 a1b2c3d4 ["+runtime.GOARCH+"]")
}
