package provgraph_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/stretchr/testify/require"
)

func buildSampleGraph(t *testing.T) *provgraph.Graph {
	t.Helper()
	g := provgraph.NewGraph()
	root := g.AddRoot(provgraph.VertexData{Cap: rootCap(), Origin: provgraph.Root})
	derived := capval.Capability{Base: 0x1000, Length: 0x800, Permissions: capval.PermLoad}
	child, err := g.AddDerived(root, provgraph.VertexData{Cap: derived, Origin: provgraph.SetBounds})
	require.NoError(t, err)
	g.StackHint = provgraph.StackHint{Set: true, Cap: child, Offset: 0xff0}
	return g
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := buildSampleGraph(t)

	var buf bytes.Buffer
	require.NoError(t, g.Save(&buf))

	loaded, err := provgraph.Load(&buf)
	require.NoError(t, err)

	require.Equal(t, g.Len(), loaded.Len())
	require.Equal(t, g.StackHint, loaded.StackHint)

	for _, h := range g.Handles() {
		want, ok := g.Data(h)
		require.True(t, ok)
		got, ok := loaded.Data(h)
		require.True(t, ok)
		require.Equal(t, want.Cap, got.Cap)
		require.Equal(t, want.Origin, got.Origin)

		wantParent, wantHasParent := g.Parent(h)
		gotParent, gotHasParent := loaded.Parent(h)
		require.Equal(t, wantHasParent, gotHasParent)
		require.Equal(t, wantParent, gotParent)
	}
}

func TestSaveFileLoadFileAndFileExists(t *testing.T) {
	g := buildSampleGraph(t)
	path := filepath.Join(t.TempDir(), "snapshot.gob")

	require.False(t, provgraph.FileExists(path))
	require.NoError(t, g.SaveFile(path))
	require.True(t, provgraph.FileExists(path))

	loaded, err := provgraph.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, g.Len(), loaded.Len())
	require.Equal(t, g.StackHint, loaded.StackHint)
}

func TestLoadFileMissingPathErrors(t *testing.T) {
	_, err := provgraph.LoadFile(filepath.Join(t.TempDir(), "does-not-exist.gob"))
	require.Error(t, err)
}
