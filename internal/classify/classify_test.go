package classify

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_OpenLong(t *testing.T) {
	r := Classify(0, SideBuy, 1.0)
	assert.Equal(t, ActionOpenLong, r.Action)
	assert.Equal(t, 1.0, r.NewPos)
}

func TestClassify_OpenShort(t *testing.T) {
	r := Classify(0, SideSell, 1.0)
	assert.Equal(t, ActionOpenShort, r.Action)
	assert.Equal(t, -1.0, r.NewPos)
}

func TestClassify_IncreaseLong(t *testing.T) {
	r := Classify(1.0, SideBuy, 0.5)
	assert.Equal(t, ActionIncreaseLong, r.Action)
	assert.Equal(t, 1.5, r.NewPos)
}

func TestClassify_DecreaseLong(t *testing.T) {
	r := Classify(1.0, SideSell, 0.4)
	assert.Equal(t, ActionDecreaseLong, r.Action)
	assert.InDelta(t, 0.6, r.NewPos, 1e-9)
}

func TestClassify_CloseLongAll(t *testing.T) {
	r := Classify(1.0, SideSell, 1.0)
	assert.Equal(t, ActionCloseLongAll, r.Action)
	assert.Equal(t, 0.0, r.NewPos)
}

func TestClassify_IncreaseShort(t *testing.T) {
	r := Classify(-1.0, SideSell, 0.5)
	assert.Equal(t, ActionIncreaseShort, r.Action)
	assert.Equal(t, -1.5, r.NewPos)
}

func TestClassify_DecreaseShort(t *testing.T) {
	r := Classify(-1.0, SideBuy, 0.4)
	assert.Equal(t, ActionDecreaseShort, r.Action)
	assert.InDelta(t, -0.6, r.NewPos, 1e-9)
}

func TestClassify_CloseShortAll(t *testing.T) {
	r := Classify(-1.0, SideBuy, 1.0)
	assert.Equal(t, ActionCloseShortAll, r.Action)
	assert.Equal(t, 0.0, r.NewPos)
}

// P4: Classifier totality — for all startPosition, side, size>0,
// classify returns one of the eight named actions and newPos satisfies
// newPos = startPos + (side=='B'?+size:-size).
func TestClassify_Totality(t *testing.T) {
	valid := map[Action]bool{
		ActionOpenLong: true, ActionOpenShort: true,
		ActionIncreaseLong: true, ActionDecreaseLong: true, ActionCloseLongAll: true,
		ActionIncreaseShort: true, ActionDecreaseShort: true, ActionCloseShortAll: true,
	}
	rng := rand.New(rand.NewSource(42))
	sides := []Side{SideBuy, SideSell}
	for i := 0; i < 5000; i++ {
		start := (rng.Float64() - 0.5) * 2000
		size := rng.Float64()*100 + 1e-6
		side := sides[rng.Intn(2)]

		r := Classify(start, side, size)
		assert.True(t, valid[r.Action], "unexpected action %q", r.Action)

		wantDelta := size
		if side == SideSell {
			wantDelta = -size
		}
		assert.InDelta(t, start+wantDelta, r.NewPos, 1e-6)
	}
}

func TestClassify_CloseAll_EpsilonScaled(t *testing.T) {
	// 0.1+0.2 computed at runtime is 0.30000000000000004, so selling 0.3
	// leaves a residual of about 5.6e-17, inside the scaled epsilon.
	a, b := 0.1, 0.2
	r := Classify(a+b, SideSell, 0.3)
	assert.Equal(t, ActionCloseLongAll, r.Action)
}
