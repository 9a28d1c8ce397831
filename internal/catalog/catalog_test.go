package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/torn"
)

type fakeSource struct {
	items []torn.Item
	err   error
	calls int
}

func (f *fakeSource) FetchItems(context.Context, string) ([]torn.Item, error) {
	f.calls++
	return f.items, f.err
}

func newFake() *fakeSource {
	return &fakeSource{items: []torn.Item{
		{ID: 206, Name: "Xanax"},
		{ID: 180, Name: "Bottle of Beer"},
		{ID: 367, Name: "Feathery Hotel Coupon"},
	}}
}

func TestResolve(t *testing.T) {
	src := newFake()
	c := New(src, time.Hour)
	ctx := context.Background()

	it, ok, err := c.Resolve(ctx, "k", " xanax ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(206), it.ID)

	_, ok, err = c.Resolve(ctx, "k", "Unicorn")
	require.NoError(t, err)
	assert.False(t, ok, "unknown names are not errors")

	assert.Equal(t, 1, src.calls, "listing is loaded once")
}

func TestExpiryRefreshInvalidate(t *testing.T) {
	src := newFake()
	c := New(src, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := c.Resolve(ctx, "k", "Xanax")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, _, err = c.Resolve(ctx, "k", "Xanax")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	c.Invalidate()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Name(206)
	assert.False(t, ok)

	require.NoError(t, c.Refresh(ctx, "k"))
	name, ok := c.Name(206)
	assert.True(t, ok)
	assert.Equal(t, "Xanax", name)
}

func TestResolveRefs(t *testing.T) {
	c := New(newFake(), time.Hour)
	refs := []model.ItemRef{{Name: "bottle of beer"}, {Name: "Mystery"}, {ID: 1, Name: "Kept"}}

	out, err := c.ResolveRefs(context.Background(), "k", refs)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemRef{
		{ID: 180, Name: "Bottle of Beer"},
		{Name: "Mystery"},
		{ID: 1, Name: "Kept"},
	}, out)
	assert.Equal(t, "bottle of beer", refs[0].Name, "input is not modified")
}

func TestSourceFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("down")}
	c := New(src, time.Hour)
	_, _, err := c.Resolve(context.Background(), "k", "Xanax")
	assert.Error(t, err)
}

func TestSuggest(t *testing.T) {
	c := New(newFake(), time.Hour)
	require.NoError(t, c.Refresh(context.Background(), "k"))
	assert.Equal(t, []string{"Xanax"}, c.Suggest("xanx", 1))
	assert.Len(t, c.Suggest("beer", 5), 3)
	assert.Nil(t, c.Suggest("", 3))
}
