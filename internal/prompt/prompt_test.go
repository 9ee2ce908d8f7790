package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedTemplatesRender(t *testing.T) {
	t.Parallel()
	b, err := Load("")
	require.NoError(t, err)

	d := Data{Artefact: "Vase", Profile: "Explorer", Description: "A Greek vase."}

	desc, err := b.Description(d)
	require.NoError(t, err)
	assert.Contains(t, desc, "Vase")
	assert.Contains(t, desc, "Explorer")
	assert.Contains(t, desc, "A Greek vase.")

	more, err := b.MoreInfo(d)
	require.NoError(t, err)
	assert.Contains(t, more, "Vase")
	assert.Contains(t, more, "already read")

	more, err = b.MoreInfo(Data{Artefact: "Vase", Profile: "Explorer"})
	require.NoError(t, err)
	assert.NotContains(t, more, "already read")
}

func TestMoreInfoFallback(t *testing.T) {
	t.Parallel()
	b, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "A Greek vase.", b.MoreInfoFallback(Data{Artefact: "Vase", Description: "A Greek vase."}))
	assert.Equal(t, "There is no further information about Vase right now.", b.MoreInfoFallback(Data{Artefact: "Vase"}))
}

func TestLoadOverridesSelectedTemplates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("description: \"Adapt {{.Artefact}} for {{.Profile}}\"\n"), 0o600))

	b, err := Load(path)
	require.NoError(t, err)

	desc, err := b.Description(Data{Artefact: "Helmet", Profile: "Child"})
	require.NoError(t, err)
	assert.Equal(t, "Adapt Helmet for Child", desc)

	more, err := b.MoreInfo(Data{Artefact: "Helmet", Profile: "Child"})
	require.NoError(t, err)
	assert.Contains(t, more, "Helmet")
}

func TestLoadRejectsBadTemplate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("more_info: \"{{.Artefact\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
