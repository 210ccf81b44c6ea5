package trainserver

import (
	"fmt"
	"math"
	"sort"

	"github.com/Hiestaa/RLViz/internal/protocol"
)

// Inspector names
const (
	InspectorProgress      = "ProgressInspector"
	InspectorEfficiency    = "EfficiencyInspector"
	InspectorValueFunction = "ValueFunctionInspector"
)

// Inspector turns episodes into push messages for one subscription uid.
type Inspector interface {
	Name() string
	UID() int
	// Observe returns the payload to push after ep, or nil.
	Observe(ep Episode) any
	// Reset clears per-run state when a new run starts.
	Reset()
}

// NewInspector builds the inspector registered under name.
func NewInspector(name string, uid int, params protocol.Params) (Inspector, error) {
	switch name {
	case InspectorProgress:
		freq, err := frequencyParam(params, 1000)
		if err != nil {
			return nil, err
		}
		return &progressInspector{uid: uid, ticker: ticker{frequency: freq}}, nil
	case InspectorEfficiency:
		freq, err := frequencyParam(params, 50)
		if err != nil {
			return nil, err
		}
		return &efficiencyInspector{uid: uid, ticker: ticker{frequency: freq}}, nil
	case InspectorValueFunction:
		return newValueFunctionInspector(uid, params)
	default:
		return nil, fmt.Errorf("unknown inspector: %q", name)
	}
}

func frequencyParam(params protocol.Params, def int) (int, error) {
	f, err := numberParam(params, "frequency", float64(def))
	if err != nil {
		return 0, err
	}
	if f < 10 {
		return 0, fmt.Errorf("frequency must be at least 10, got %v", f)
	}
	return int(f), nil
}

// ticker fires at most frequency times over a run, evenly spread over the
// episodes.
type ticker struct {
	frequency int
}

func (t ticker) fires(ep Episode) bool {
	before := ep.Index * t.frequency / ep.Total
	after := (ep.Index + 1) * t.frequency / ep.Total
	return after > before
}

type progressInspector struct {
	uid    int
	ticker ticker
}

func (p *progressInspector) Name() string { return InspectorProgress }
func (p *progressInspector) UID() int     { return p.uid }
func (p *progressInspector) Reset()       {}

func (p *progressInspector) Observe(ep Episode) any {
	if !p.ticker.fires(ep) {
		return nil
	}
	return protocol.ProgressPayload{
		Route:         protocol.RouteInspect,
		UID:           p.uid,
		PcVal:         100 * float64(ep.Index+1) / float64(ep.Total),
		IEpisode:      ep.Index,
		NEpisodes:     ep.Total,
		EpisodeReturn: ep.Return,
	}
}

// efficiencyInspector reports mean return and mean steps over the episodes
// since its last message.
type efficiencyInspector struct {
	uid    int
	ticker ticker

	count     int
	sumReturn float64
	sumSteps  int
}

func (e *efficiencyInspector) Name() string { return InspectorEfficiency }
func (e *efficiencyInspector) UID() int     { return e.uid }

func (e *efficiencyInspector) Reset() {
	e.count, e.sumReturn, e.sumSteps = 0, 0, 0
}

func (e *efficiencyInspector) Observe(ep Episode) any {
	e.count++
	e.sumReturn += ep.Return
	e.sumSteps += ep.Steps
	if !e.ticker.fires(ep) {
		return nil
	}
	payload := protocol.EfficiencyPayload{
		Route:      protocol.RouteInspect,
		UID:        e.uid,
		IEpisode:   ep.Index,
		MeanReturn: e.sumReturn / float64(e.count),
		MeanSteps:  float64(e.sumSteps) / float64(e.count),
	}
	e.Reset()
	return payload
}

// valueFunctionInspector samples the state space on a regular grid and
// reports the estimated value of each sample, reducing the action values of
// a state with max or mean.
type valueFunctionInspector struct {
	uid       int
	ticker    ticker
	precision int
	shape     string
	reducer   string
}

func newValueFunctionInspector(uid int, params protocol.Params) (Inspector, error) {
	freq, err := frequencyParam(params, 100)
	if err != nil {
		return nil, err
	}
	precision, err := numberParam(params, "precision", 20)
	if err != nil {
		return nil, err
	}
	if precision < 3 || precision > 1000 {
		return nil, fmt.Errorf("precision must be between 3 and 1000, got %v", precision)
	}
	shape, err := enumParam(params, "shape", "3D", "2D", "3D")
	if err != nil {
		return nil, err
	}
	reducer, err := enumParam(params, "reducer", "max", "max", "mean")
	if err != nil {
		return nil, err
	}
	return &valueFunctionInspector{
		uid:       uid,
		ticker:    ticker{frequency: freq},
		precision: int(precision),
		shape:     shape,
		reducer:   reducer,
	}, nil
}

func (v *valueFunctionInspector) Name() string { return InspectorValueFunction }
func (v *valueFunctionInspector) UID() int     { return v.uid }
func (v *valueFunctionInspector) Reset()       {}

func (v *valueFunctionInspector) Observe(ep Episode) any {
	if !v.ticker.fires(ep) {
		return nil
	}
	payload := protocol.ValueFunctionPayload{
		Route:          protocol.RouteInspect,
		UID:            v.uid,
		IEpisode:       ep.Index,
		Data:           []map[string]float64{},
		NbDims:         ep.Space.Dims(),
		Low:            map[string]float64{},
		High:           map[string]float64{},
		StepSizes:      map[string]float64{},
		DimensionNames: map[string]string{},
	}
	if payload.NbDims == 0 {
		return payload
	}

	keys := axisKeys(payload.NbDims, v.shape)
	axes := make([][]float64, payload.NbDims)
	for d, key := range keys {
		low, high := ep.Space.Low[d], ep.Space.High[d]
		step := (high - low) / float64(v.precision-1)
		axes[d] = make([]float64, v.precision)
		for i := range axes[d] {
			axes[d][i] = low + float64(i)*step
		}
		axes[d][v.precision-1] = high
		payload.Low[key] = low
		payload.High[key] = high
		payload.StepSizes[key] = step
		payload.DimensionNames[key] = key
		if d < len(ep.Space.Names) {
			payload.DimensionNames[key] = ep.Space.Names[d]
		}
	}

	state := make([]float64, payload.NbDims)
	var walk func(d int)
	walk = func(d int) {
		if d == len(axes) {
			sample := make(map[string]float64, len(keys)+1)
			for i, key := range keys {
				sample[key] = state[i]
			}
			sample["z"] = v.value(ep, state)
			payload.Data = append(payload.Data, sample)
			return
		}
		for _, x := range axes[d] {
			state[d] = x
			walk(d + 1)
		}
	}
	walk(0)
	return payload
}

// value estimates the value of state: every action value starts at zero and
// converges towards a return that degrades with the distance to the goal.
func (v *valueFunctionInspector) value(ep Episode, state []float64) float64 {
	space := ep.Space
	var dist float64
	for d, x := range state {
		if span := space.High[d] - space.Low[d]; span > 0 {
			dist += (space.High[d] - x) / span
		}
	}
	dist /= float64(len(state))

	spread := ep.BestReturn - ep.WorstReturn
	target := ep.Learned * (ep.BestReturn - spread*dist)

	actions := space.Actions
	if actions < 1 {
		actions = 1
	}
	best, sum := math.Inf(-1), 0.0
	for a := 0; a < actions; a++ {
		q := target - ep.Learned*spread*0.1*float64(a)/float64(actions)
		best = math.Max(best, q)
		sum += q
	}
	if v.reducer == "mean" {
		return sum / float64(actions)
	}
	return best
}

// axisKeys names the dimensions of an n-dimensional state for plotting:
// the first one or two become the plot axes, the others sliders.
func axisKeys(n int, shape string) []string {
	keys := []string{"x"}
	first := 1
	if n > 1 && shape == "3D" {
		keys = append(keys, "y")
		first = 2
	}
	for d := first; d < n; d++ {
		keys = append(keys, fmt.Sprintf("param%d", d-first+1))
	}
	return keys
}

func enumParam(params protocol.Params, key, def string, allowed ...string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", fmt.Errorf("parameter %s must be one of %v, got %q", key, allowed, s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
