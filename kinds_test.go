package roadsentry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}

	_, err := ParseKind("pedestrian")
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = ParseKind("")
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = ParseKind("Vehicle")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestAllKindsOverlayOrder(t *testing.T) {
	require.Equal(t, []Kind{KindVehicle, KindPlate, KindHelmet}, AllKinds)
}
