package risk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
)

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name         string
		equity       float64
		riskPercent  float64
		stopDistance float64
		spec         ContractSpec
		want         float64
		wantErr      bool
	}{
		{
			name: "reference scenario", equity: 10000, riskPercent: 0.02, stopDistance: 50,
			spec: ContractSpec{ContractValue: 1, MinSize: 0.01, SizeStep: 0.01}, want: 4.0,
		},
		{
			name: "floored to step", equity: 10000, riskPercent: 0.01, stopDistance: 30,
			spec: ContractSpec{ContractValue: 1, MinSize: 0.1, SizeStep: 0.1}, want: 3.3,
		},
		{
			name: "contract value scales down", equity: 10000, riskPercent: 0.02, stopDistance: 0.005,
			spec: ContractSpec{ContractValue: 100000, MinSize: 0.01, SizeStep: 0.01}, want: 0.4,
		},
		{
			name: "capped at max", equity: 1000000, riskPercent: 0.05, stopDistance: 1,
			spec: ContractSpec{ContractValue: 1, MinSize: 1, MaxSize: 100, SizeStep: 1}, want: 100,
		},
		{
			name: "below minimum", equity: 100, riskPercent: 0.01, stopDistance: 50,
			spec: ContractSpec{ContractValue: 1, MinSize: 0.1, SizeStep: 0.1}, wantErr: true,
		},
		{
			name: "zero stop distance", equity: 100, riskPercent: 0.01, stopDistance: 0,
			spec: ContractSpec{ContractValue: 1}, wantErr: true,
		},
		{
			name: "risk percent out of range", equity: 100, riskPercent: 2, stopDistance: 1,
			spec: ContractSpec{ContractValue: 1}, wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PositionSize(tt.equity, tt.riskPercent, tt.stopDistance, tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, 0.0, got)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPositionSizeBelowMinimumIsRiskBreach(t *testing.T) {
	_, err := PositionSize(100, 0.01, 50, ContractSpec{ContractValue: 1, MinSize: 1, SizeStep: 1})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinimum))
	assert.True(t, engerrors.IsRiskBreach(err))
}

func TestPositionSizeNeverNegative(t *testing.T) {
	for equity := 1.0; equity < 50000; equity *= 3 {
		for _, stop := range []float64{0.5, 5, 50, 500} {
			got, err := PositionSize(equity, 0.02, stop, ContractSpec{ContractValue: 1, SizeStep: 0.001})
			if err != nil {
				assert.Equal(t, 0.0, got)
				continue
			}
			assert.GreaterOrEqual(t, got, 0.0)
		}
	}
}

func TestMartingaleStepSize(t *testing.T) {
	assert.Equal(t, 1.0, MartingaleStepSize(1, 2, 0))
	assert.Equal(t, 8.0, MartingaleStepSize(1, 2, 3))
	assert.InDelta(t, 0.225, MartingaleStepSize(0.1, 1.5, 2), 1e-12)
}
