package fx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertReferencePassthrough(t *testing.T) {
	c := NewStaticConverter("USD")

	got, err := c.Convert(100, "USD")
	require.NoError(t, err)
	require.Equal(t, 100.0, got)

	got, err = c.Convert(100, "")
	require.NoError(t, err)
	require.Equal(t, 100.0, got)
}

func TestConvertKnownCurrency(t *testing.T) {
	c := NewStaticConverter("USD")

	got, err := c.Convert(100, "eur")
	require.NoError(t, err)
	require.InDelta(t, 108.0, got, 1e-9)

	got, err = c.Convert(10000, "JPY")
	require.NoError(t, err)
	require.InDelta(t, 67.0, got, 1e-9)
}

func TestConvertUnknownCurrency(t *testing.T) {
	c := NewStaticConverter("USD")
	_, err := c.Convert(100, "XYZ")
	require.Error(t, err)
}
