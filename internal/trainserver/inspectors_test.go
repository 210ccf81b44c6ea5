package trainserver

import (
	"testing"

	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countTicks(insp Inspector, total int) []any {
	var out []any
	for i := 0; i < total; i++ {
		if p := insp.Observe(Episode{Index: i, Total: total, Return: -float64(i), Steps: i + 1}); p != nil {
			out = append(out, p)
		}
	}
	return out
}

func TestProgressInspector_Frequency(t *testing.T) {
	tests := []struct {
		name      string
		frequency int
		episodes  int
		want      int
	}{
		{"more ticks than episodes", 1000, 20, 20},
		{"ten ticks", 10, 100, 10},
		{"uneven", 10, 35, 10},
		{"default", 1000, 10000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp, err := NewInspector(InspectorProgress, 1, protocol.Params{"frequency": float64(tt.frequency)})
			require.NoError(t, err)
			assert.Len(t, countTicks(insp, tt.episodes), tt.want)
		})
	}
}

func TestProgressInspector_Payload(t *testing.T) {
	insp, err := NewInspector(InspectorProgress, 7, nil)
	require.NoError(t, err)

	ticks := countTicks(insp, 4)
	require.Len(t, ticks, 4)

	last := ticks[3].(protocol.ProgressPayload)
	assert.Equal(t, protocol.RouteInspect, last.Route)
	assert.Equal(t, 7, last.UID)
	assert.Equal(t, 100.0, last.PcVal)
	assert.Equal(t, 3, last.IEpisode)
	assert.Equal(t, 4, last.NEpisodes)
	assert.Equal(t, -3.0, last.EpisodeReturn)
	assert.Equal(t, 25.0, ticks[0].(protocol.ProgressPayload).PcVal)
}

func TestEfficiencyInspector_Means(t *testing.T) {
	insp, err := NewInspector(InspectorEfficiency, 2, protocol.Params{"frequency": 10})
	require.NoError(t, err)

	ticks := countTicks(insp, 20)
	require.Len(t, ticks, 10)

	first := ticks[0].(protocol.EfficiencyPayload)
	assert.Equal(t, 2, first.UID)
	assert.Equal(t, 1, first.IEpisode)
	assert.Equal(t, -0.5, first.MeanReturn)
	assert.Equal(t, 1.5, first.MeanSteps)

	second := ticks[1].(protocol.EfficiencyPayload)
	assert.Equal(t, -2.5, second.MeanReturn)
}

func TestNewInspector_Errors(t *testing.T) {
	_, err := NewInspector("PolicyInspector", 1, nil)
	assert.ErrorContains(t, err, "unknown inspector")

	_, err = NewInspector(InspectorProgress, 1, protocol.Params{"frequency": 5})
	assert.ErrorContains(t, err, "at least 10")

	_, err = NewInspector(InspectorProgress, 1, protocol.Params{"frequency": "often"})
	assert.ErrorContains(t, err, "must be a number")

	_, err = NewInspector(InspectorValueFunction, 1, protocol.Params{"precision": 2})
	assert.ErrorContains(t, err, "precision")

	_, err = NewInspector(InspectorValueFunction, 1, protocol.Params{"shape": "4D"})
	assert.ErrorContains(t, err, "must be one of")

	_, err = NewInspector(InspectorValueFunction, 1, protocol.Params{"reducer": 1})
	assert.ErrorContains(t, err, "must be a string")
}

func gridWorldEpisode(learned float64) Episode {
	return Episode{
		Index:       4,
		Total:       10,
		Learned:     learned,
		BestReturn:  -8,
		WorstReturn: -100,
		Space:       gridWorldSpace,
	}
}

func TestValueFunctionInspector_Samples(t *testing.T) {
	insp, err := NewInspector(InspectorValueFunction, 3, protocol.Params{"precision": 3})
	require.NoError(t, err)

	p, ok := insp.Observe(gridWorldEpisode(0.5)).(protocol.ValueFunctionPayload)
	require.True(t, ok)

	assert.Equal(t, protocol.RouteInspect, p.Route)
	assert.Equal(t, 3, p.UID)
	assert.Equal(t, 4, p.IEpisode)
	assert.Equal(t, 2, p.NbDims)
	assert.Equal(t, map[string]float64{"x": 0, "y": 0}, p.Low)
	assert.Equal(t, map[string]float64{"x": 4, "y": 4}, p.High)
	assert.Equal(t, map[string]float64{"x": 2, "y": 2}, p.StepSizes)
	assert.Equal(t, map[string]string{"x": "X", "y": "Y"}, p.DimensionNames)

	require.Len(t, p.Data, 9)
	assert.Equal(t, map[string]float64{"x": 0, "y": 0, "z": -50}, p.Data[0])
	assert.Equal(t, 0.0, p.Data[1]["x"])
	assert.Equal(t, 2.0, p.Data[1]["y"])
	assert.InDelta(t, -4, p.Data[8]["z"], 1e-9, "goal corner")
}

func TestValueFunctionInspector_ShapeAndReducer(t *testing.T) {
	insp, err := NewInspector(InspectorValueFunction, 1, protocol.Params{
		"precision": 3,
		"shape":     "2D",
		"reducer":   "mean",
	})
	require.NoError(t, err)

	p := insp.Observe(gridWorldEpisode(0.5)).(protocol.ValueFunctionPayload)
	require.Len(t, p.Data, 9)
	assert.Contains(t, p.Data[0], "param1")
	assert.NotContains(t, p.Data[0], "y")
	assert.InDelta(t, -5.725, p.Data[8]["z"], 1e-9)
}

func TestValueFunctionInspector_UntrainedIsZero(t *testing.T) {
	insp, err := NewInspector(InspectorValueFunction, 1, nil)
	require.NoError(t, err)

	p := insp.Observe(gridWorldEpisode(0)).(protocol.ValueFunctionPayload)
	require.Len(t, p.Data, 400)
	for _, sample := range p.Data {
		assert.Zero(t, sample["z"])
	}
}

func TestValueFunctionInspector_WithoutStateSpace(t *testing.T) {
	insp, err := NewInspector(InspectorValueFunction, 1, nil)
	require.NoError(t, err)

	p := insp.Observe(Episode{Index: 0, Total: 1}).(protocol.ValueFunctionPayload)
	assert.Zero(t, p.NbDims)
	assert.Empty(t, p.Data)
}
