package serial

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferLimits(t *testing.T) {
	tests := []struct {
		name              string
		high, low         int
		wantHigh, wantLow int
		wantErr           bool
	}{
		{"defaults", -1, -1, 64 * 1024, 16 * 1024, false},
		{"high only", 1000, -1, 1000, 250, false},
		{"low only", -1, 100, 400, 100, false},
		{"both", 100, 10, 100, 10, false},
		{"equal", 50, 50, 50, 50, false},
		{"zero", 0, 0, 0, 0, false},
		{"low above high", 10, 20, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			high, low, err := bufferLimits(tt.high, tt.low)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantHigh, high)
			require.Equal(t, tt.wantLow, low)
		})
	}
}
