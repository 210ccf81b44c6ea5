package trainserver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Hiestaa/RLViz/internal/protocol"
)

// problemProfile shapes the synthetic learning curve of one environment.
type problemProfile struct {
	worstReturn float64
	bestReturn  float64
	maxSteps    int
	space       StateSpace
}

// StateSpace describes the bounded, continuous state space of a problem.
// The goal lies at the High corner.
type StateSpace struct {
	Names   []string
	Low     []float64
	High    []float64
	Actions int
}

// Dims returns the number of state dimensions.
func (s StateSpace) Dims() int { return len(s.Low) }

var (
	gridWorldSpace = StateSpace{
		Names:   []string{"X", "Y"},
		Low:     []float64{0, 0},
		High:    []float64{4, 4},
		Actions: 4,
	}
	mountainCarSpace = StateSpace{
		Names:   []string{"position", "velocity"},
		Low:     []float64{-1.2, -0.07},
		High:    []float64{0.6, 0.07},
		Actions: 3,
	}
)

var problems = map[string]problemProfile{
	"GridWorld":         {worstReturn: -100, bestReturn: -8, maxSteps: 100, space: gridWorldSpace},
	"MountainCar":       {worstReturn: -200, bestReturn: -110, maxSteps: 200, space: mountainCarSpace},
	"MountainCarCustom": {worstReturn: -200, bestReturn: -90, maxSteps: 200, space: mountainCarSpace},
}

// algorithms maps an algorithm to how fast its curve converges.
var algorithms = map[string]float64{
	"Sarsa":         0.005,
	"RoundingSarsa": 0.008,
}

// Problems returns the names of the supported problems.
func Problems() []string {
	return sortedKeys(problems)
}

// Algorithms returns the names of the supported algorithms.
func Algorithms() []string {
	return sortedKeys(algorithms)
}

// Episode is the outcome of one simulated episode.
type Episode struct {
	Index    int // 0-based
	Total    int
	Return   float64
	Steps    int
	Duration time.Duration

	Learned     float64 // fraction of the learning curve covered, in [0, 1)
	BestReturn  float64
	WorstReturn float64
	Space       StateSpace
}

type runSpec struct {
	problem   problemProfile
	rate      float64
	nEpisodes int
	delay     time.Duration
}

// newRunSpec validates a train command. Agent params "nEpisodes" and
// "delay" (milliseconds) override the server defaults.
func newRunSpec(cmd protocol.TrainCommand, cfg *Config) (runSpec, error) {
	problem, ok := problems[cmd.Problem.Name]
	if !ok {
		return runSpec{}, fmt.Errorf("unknown problem: %q", cmd.Problem.Name)
	}
	rate, ok := algorithms[cmd.Algorithm.Name]
	if !ok {
		return runSpec{}, fmt.Errorf("unknown algorithm: %q", cmd.Algorithm.Name)
	}

	n, err := numberParam(cmd.Agent.Params, "nEpisodes", float64(cfg.DefaultEpisodes))
	if err != nil {
		return runSpec{}, err
	}
	if n < 1 {
		return runSpec{}, fmt.Errorf("nEpisodes must be positive, got %v", n)
	}
	delay, err := numberParam(cmd.Agent.Params, "delay", float64(cfg.StepDelay/time.Millisecond))
	if err != nil {
		return runSpec{}, err
	}
	if delay < 0 {
		return runSpec{}, fmt.Errorf("delay must not be negative, got %v", delay)
	}

	return runSpec{
		problem:   problem,
		rate:      rate,
		nEpisodes: int(n),
		delay:     time.Duration(delay * float64(time.Millisecond)),
	}, nil
}

// simulate plays spec.nEpisodes episodes, calling emit after each one. It
// returns how many episodes completed and ctx.Err() if it was cancelled.
func simulate(ctx context.Context, spec runSpec, rng *rand.Rand, emit func(Episode)) (int, error) {
	p := spec.problem
	spread := p.bestReturn - p.worstReturn

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i := 0; i < spec.nEpisodes; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		start := time.Now()

		learned := 1 - math.Exp(-spec.rate*float64(i))
		ret := p.worstReturn + spread*learned + rng.NormFloat64()*spread*0.05
		ret = math.Max(p.worstReturn, math.Min(p.bestReturn, ret))
		steps := int(math.Round(-ret))
		if steps < 1 {
			steps = 1
		}
		if steps > p.maxSteps {
			steps = p.maxSteps
		}

		emit(Episode{
			Index:       i,
			Total:       spec.nEpisodes,
			Return:      ret,
			Steps:       steps,
			Duration:    time.Since(start),
			Learned:     learned,
			BestReturn:  p.bestReturn,
			WorstReturn: p.worstReturn,
			Space:       p.space,
		})

		if spec.delay > 0 {
			if timer == nil {
				timer = time.NewTimer(spec.delay)
			} else {
				timer.Reset(spec.delay)
			}
			select {
			case <-ctx.Done():
				return i + 1, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return spec.nEpisodes, nil
}

func numberParam(params protocol.Params, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("parameter %s must be a number, got %T", key, v)
	}
}
