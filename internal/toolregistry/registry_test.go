package toolregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/provider"
)

func TestRegistry_RefreshAndGet(t *testing.T) {
	r := NewRegistry(nil)
	r.Refresh([]provider.ToolDef{
		{Canonical: "github__search_issues"},
		{Canonical: "github__create_issue"},
	})

	td, ok := r.Get("github__search_issues")
	require.True(t, ok)
	assert.Equal(t, "github__search_issues", td.Canonical)

	_, ok = r.Get("github__nonexistent")
	assert.False(t, ok)
}

func TestRegistry_FindSimilar(t *testing.T) {
	r := NewRegistry(nil)
	r.Refresh([]provider.ToolDef{{Canonical: "github__search_issues"}})

	matches := r.FindSimilar("github__serch_issues")
	require.NotEmpty(t, matches)
	assert.Equal(t, "github__search_issues", matches[0].Tool.Canonical)
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve("nothing__here")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.KindToolNotFound))
}

func TestRegistry_List_SortedByName(t *testing.T) {
	r := NewRegistry(nil)
	r.Refresh([]provider.ToolDef{
		{Canonical: "zeta__x"},
		{Canonical: "alpha__x"},
	})
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha__x", list[0].Canonical)
	assert.Equal(t, "zeta__x", list[1].Canonical)
}
