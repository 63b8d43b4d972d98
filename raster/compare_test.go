package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareIdentical(t *testing.T) {
	a := newFilledImage(t, 32, 24, 8)
	b, err := FromPixels(32, 24, append([]byte(nil), a.Pixels()...))
	require.NoError(t, err)

	c, err := Compare(a, b)
	require.NoError(t, err)
	assert.Equal(t, Comparison{Identical: true}, c)
}

func TestCompareCountsDifferingPixels(t *testing.T) {
	a := newFilledImage(t, 32, 24, 8)
	pix := append([]byte(nil), a.Pixels()...)
	pix[0]++
	pix[3*5+2]++
	b, err := FromPixels(32, 24, pix)
	require.NoError(t, err)

	c, err := Compare(a, b)
	require.NoError(t, err)
	assert.False(t, c.Identical)
	assert.Equal(t, 2, c.DifferingPixels)
}

func TestCompareRejectsSizeMismatch(t *testing.T) {
	_, err := Compare(newFilledImage(t, 32, 24, 8), newFilledImage(t, 24, 32, 8))
	assert.Error(t, err)
}
