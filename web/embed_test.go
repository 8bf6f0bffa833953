package web

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanelAssetsEmbedded(t *testing.T) {
	for _, name := range []string{"index.html", "style.css", "app.js"} {
		data, err := fs.ReadFile(FS, name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, data, name)
	}

	script, err := fs.ReadFile(FS, "app.js")
	require.NoError(t, err)
	assert.Contains(t, string(script), "'/ws'")
}
