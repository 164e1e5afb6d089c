package provgraph_test

import (
	"testing"

	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/stretchr/testify/require"
)

func narrower(base capval.Capability, length uint64) capval.Capability {
	return capval.Capability{Base: base.Base, Length: length, Permissions: base.Permissions}
}

func TestDescendantsExcludesRootAndCollectsWholeSubtree(t *testing.T) {
	g := provgraph.NewGraph()
	root := g.AddRoot(provgraph.VertexData{Cap: rootCap(), Origin: provgraph.Root})

	child, err := g.AddDerived(root, provgraph.VertexData{Cap: narrower(rootCap(), 0x800), Origin: provgraph.SetBounds})
	require.NoError(t, err)
	grandchild, err := g.AddDerived(child, provgraph.VertexData{Cap: narrower(rootCap(), 0x400), Origin: provgraph.SetBounds})
	require.NoError(t, err)
	sibling, err := g.AddDerived(root, provgraph.VertexData{Cap: narrower(rootCap(), 0x200), Origin: provgraph.AndPerm})
	require.NoError(t, err)

	got := g.Descendants(root)
	require.NotContains(t, got, root)
	require.ElementsMatch(t, []provgraph.Handle{child, grandchild, sibling}, got)
}

func TestDescendantsLeafReturnsEmpty(t *testing.T) {
	g := provgraph.NewGraph()
	root := g.AddRoot(provgraph.VertexData{Cap: rootCap(), Origin: provgraph.Root})
	require.Empty(t, g.Descendants(root))
}

func TestHideSubtreeHidesRootAndEveryDescendant(t *testing.T) {
	g := provgraph.NewGraph()
	root := g.AddRoot(provgraph.VertexData{Cap: rootCap(), Origin: provgraph.Root})
	child, err := g.AddDerived(root, provgraph.VertexData{Cap: narrower(rootCap(), 0x800), Origin: provgraph.SetBounds})
	require.NoError(t, err)
	grandchild, err := g.AddDerived(child, provgraph.VertexData{Cap: narrower(rootCap(), 0x400), Origin: provgraph.SetBounds})
	require.NoError(t, err)

	require.NoError(t, g.HideSubtree(root))

	for _, h := range []provgraph.Handle{root, child, grandchild} {
		data, ok := g.Data(h)
		require.True(t, ok)
		require.True(t, data.Hidden)
	}
}
