package crm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollection(t *testing.T) {
	c := NewCollection(func(p Payment) string { return p.ID })
	c.Replace([]Payment{{ID: "a", Amount: 1}, {ID: "b", Amount: 2}})

	require.False(t, c.Upsert(Payment{ID: "b", Amount: 20}))
	require.True(t, c.Upsert(Payment{ID: "c", Amount: 3}))
	require.Equal(t, []Payment{{ID: "c", Amount: 3}, {ID: "a", Amount: 1}, {ID: "b", Amount: 20}}, c.Items())

	// Entries without an id are never merged.
	c.Upsert(Payment{Amount: 9})
	c.Upsert(Payment{Amount: 9})
	require.Equal(t, 5, c.Len())
	_, ok := c.Get("")
	require.False(t, ok)

	require.True(t, c.Update("a", func(p Payment) Payment { p.Amount = 10; return p }))
	require.False(t, c.Update("zz", func(p Payment) Payment { return p }))
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 10.0, got.Amount)

	require.True(t, c.Remove("a"))
	require.False(t, c.Remove("a"))
	require.False(t, c.Has("a"))

	items := c.Items()
	for i := range items {
		items[i].Amount = 999
	}
	first, _ := c.Get("c")
	require.Equal(t, 3.0, first.Amount, "Items must return a copy")
}
