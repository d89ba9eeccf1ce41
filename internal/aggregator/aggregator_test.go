package aggregator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePredictions() []Prediction {
	return []Prediction{
		{Class: "A", Confidence: 0.8, X: 100},
		{Class: "B", Confidence: 0.6, X: 350},
		{Class: "C", Confidence: 0.9, X: 380},
	}
}

func TestAggregateTwoEyesExample(t *testing.T) {
	outcome := Aggregate(DetectionResult{ImageWidth: 400, Predictions: samplePredictions()}, ModeTwoEyes)

	require.Equal(t, ModeTwoEyes, outcome.Mode)
	require.Nil(t, outcome.Single)
	require.NotNil(t, outcome.Left)
	require.NotNil(t, outcome.Right)
	require.Equal(t, "C", outcome.Left.Class)
	require.Equal(t, "A", outcome.Right.Class)
}

func TestAggregateSingleEyeExample(t *testing.T) {
	outcome := Aggregate(DetectionResult{ImageWidth: 400, Predictions: samplePredictions()}, ModeSingleEye)

	require.Equal(t, ModeSingleEye, outcome.Mode)
	require.NotNil(t, outcome.Single)
	require.Equal(t, "C", outcome.Single.Class)
	require.Nil(t, outcome.Left)
	require.Nil(t, outcome.Right)
}

func TestAggregateEmptyInput(t *testing.T) {
	for _, mode := range []Mode{ModeSingleEye, ModeTwoEyes} {
		outcome := Aggregate(DetectionResult{ImageWidth: 640}, mode)
		require.True(t, outcome.Empty(), "mode %s", mode)
		require.Empty(t, outcome.Findings())
	}
}

func TestAggregateMidpointGoesLeft(t *testing.T) {
	result := DetectionResult{
		ImageWidth:  401,
		Predictions: []Prediction{{Class: "Normal", Confidence: 0.5, X: 200}},
	}

	outcome := Aggregate(result, ModeTwoEyes)
	require.NotNil(t, outcome.Left)
	require.Nil(t, outcome.Right)
	require.Equal(t, "Normal", outcome.Left.Class)
}

func TestAggregateTiesKeepFirstSeen(t *testing.T) {
	result := DetectionResult{
		ImageWidth: 100,
		Predictions: []Prediction{
			{Class: "first", Confidence: 0.7, X: 10},
			{Class: "second", Confidence: 0.7, X: 20},
			{Class: "third", Confidence: 0.7, X: 80},
			{Class: "fourth", Confidence: 0.7, X: 90},
		},
	}

	single := Aggregate(result, ModeSingleEye)
	require.Equal(t, "first", single.Single.Class)

	both := Aggregate(result, ModeTwoEyes)
	require.Equal(t, "third", both.Left.Class)
	require.Equal(t, "first", both.Right.Class)
}

func TestAggregateDoesNotAliasInput(t *testing.T) {
	predictions := samplePredictions()
	outcome := Aggregate(DetectionResult{ImageWidth: 400, Predictions: predictions}, ModeSingleEye)

	outcome.Single.Class = "mutated"
	require.Equal(t, "C", predictions[2].Class)
}

func TestAggregateUnknownModeFallsBackToTwoEyes(t *testing.T) {
	outcome := Aggregate(DetectionResult{ImageWidth: 400, Predictions: samplePredictions()}, Mode("bogus"))
	require.Equal(t, ModeTwoEyes, outcome.Mode)
	require.Equal(t, "C", outcome.Left.Class)
}

func TestAggregateProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iteration := 0; iteration < 200; iteration++ {
		width := rng.Intn(2000)
		predictions := make([]Prediction, rng.Intn(8))
		for i := range predictions {
			predictions[i] = Prediction{
				Class:      string(rune('a' + i)),
				Confidence: float64(rng.Intn(10)) / 10,
				X:          float64(rng.Intn(width + 1)),
			}
		}
		result := DetectionResult{ImageWidth: width, Predictions: predictions}
		midpoint := float64(Midpoint(width))

		single := Aggregate(result, ModeSingleEye)
		require.Equal(t, single, Aggregate(result, ModeSingleEye))
		if len(predictions) == 0 {
			require.Nil(t, single.Single)
		} else {
			for _, p := range predictions {
				require.GreaterOrEqual(t, single.Single.Confidence, p.Confidence)
			}
		}

		both := Aggregate(result, ModeTwoEyes)
		require.Equal(t, both, Aggregate(result, ModeTwoEyes))

		var left, right int
		for _, p := range predictions {
			if p.X >= midpoint {
				left++
				require.GreaterOrEqual(t, both.Left.Confidence, p.Confidence)
			} else {
				right++
				require.GreaterOrEqual(t, both.Right.Confidence, p.Confidence)
			}
		}
		require.Equal(t, len(predictions), left+right)
		require.Equal(t, left > 0, both.Left != nil)
		require.Equal(t, right > 0, both.Right != nil)
		if both.Left != nil {
			require.GreaterOrEqual(t, both.Left.X, midpoint)
		}
		if both.Right != nil {
			require.Less(t, both.Right.X, midpoint)
		}
	}
}

func TestMidpoint(t *testing.T) {
	require.Equal(t, 200, Midpoint(400))
	require.Equal(t, 200, Midpoint(401))
	require.Equal(t, 0, Midpoint(1))
	require.Equal(t, 0, Midpoint(0))
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":           ModeTwoEyes,
		"two_eyes":   ModeTwoEyes,
		"Both":       ModeTwoEyes,
		"single_eye": ModeSingleEye,
		" single ":   ModeSingleEye,
	}
	for input, want := range cases {
		got, err := ParseMode(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := ParseMode("three_eyes")
	require.Error(t, err)
}

func TestFindingsOrder(t *testing.T) {
	outcome := Outcome{
		Mode:  ModeTwoEyes,
		Left:  &Prediction{Class: "Cataract", Confidence: 0.9},
		Right: &Prediction{Class: "Normal", Confidence: 0.8},
	}

	findings := outcome.Findings()
	require.Len(t, findings, 2)
	require.Equal(t, "Left Eye", findings[0].Eye)
	require.Equal(t, "Cataract", findings[0].Prediction.Class)
	require.Equal(t, "Right Eye", findings[1].Eye)
}
