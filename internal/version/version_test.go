package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	t.Run("should report the injected values", func(t *testing.T) {
		orig := [3]string{Version, GitCommit, BuildDate}
		t.Cleanup(func() { Version, GitCommit, BuildDate = orig[0], orig[1], orig[2] })
		Version, GitCommit, BuildDate = "v1.2.0", "abc123", "2024-01-01"

		info := Get()
		assert.Equal(t, BuildInfo{Version: "v1.2.0", GitCommit: "abc123", BuildDate: "2024-01-01"}, info)
		assert.Equal(t, "v1.2.0 (abc123) built 2024-01-01", info.String())
	})
	t.Run("should default to develop", func(t *testing.T) {
		assert.Equal(t, "develop", BuildInfo{Version: "develop"}.String())
	})
}
