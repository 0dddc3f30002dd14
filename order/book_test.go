package order

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookSetGetList(t *testing.T) {
	b := NewBook(10)
	b.Set(Order{ClientOrderID: "1", Status: StatusFilled})
	got, ok := b.Get("1")
	require.True(t, ok)
	assert.Equal(t, StatusFilled, got.Status)

	b.Set(Order{ClientOrderID: "1", Status: StatusCancelled})
	assert.Equal(t, 1, b.Len())
	got, _ = b.Get("1")
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestBookEvictsOldest(t *testing.T) {
	b := NewBook(3)
	for i := 0; i < 5; i++ {
		b.Set(Order{ClientOrderID: strconv.Itoa(i)})
	}
	require.Equal(t, 3, b.Len())
	_, ok := b.Get("0")
	assert.False(t, ok)
	list := b.List()
	assert.Equal(t, "2", list[0].ClientOrderID)
	assert.Equal(t, "4", list[2].ClientOrderID)
}
