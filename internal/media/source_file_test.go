package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// NALU headers: low five bits carry the type.
var (
	naluSPS    = []byte{0x67, 0x42}
	naluPPS    = []byte{0x68, 0xce}
	naluSEI    = []byte{0x06, 0x01}
	naluIDR    = []byte{0x65, 0x88}
	naluNonIDR = []byte{0x41, 0x9a}
)

func TestGroupAccessUnits(t *testing.T) {
	units := groupAccessUnits([][]byte{
		naluSPS, naluPPS, naluIDR,
		naluNonIDR,
		naluSEI, naluNonIDR,
	})

	require.Len(t, units, 3)
	// Parameter sets ride with the IDR that follows them.
	require.Equal(t, [][]byte{naluSPS, naluPPS, naluIDR}, units[0])
	require.Equal(t, [][]byte{naluNonIDR}, units[1])
	require.Equal(t, [][]byte{naluSEI, naluNonIDR}, units[2])
}

func TestGroupAccessUnitsTrailingNonVCL(t *testing.T) {
	units := groupAccessUnits([][]byte{naluIDR, naluSPS, naluPPS})

	// A dangling parameter-set group still forms a final unit.
	require.Len(t, units, 2)
	require.Equal(t, [][]byte{naluIDR}, units[0])
	require.Equal(t, [][]byte{naluSPS, naluPPS}, units[1])
}

func TestGroupAccessUnitsSkipsEmpty(t *testing.T) {
	units := groupAccessUnits([][]byte{{}, naluIDR, nil, naluNonIDR})
	require.Len(t, units, 2)
}

func TestGroupAccessUnitsEmpty(t *testing.T) {
	require.Empty(t, groupAccessUnits(nil))
}

func TestFileSourceMissingFile(t *testing.T) {
	s := NewFileSource("/nonexistent/clip.h264", false)
	err := s.Run(context.Background(), func(au [][]byte, dur time.Duration) error {
		return nil
	})
	require.Error(t, err)
	require.NoError(t, s.Close())
}
