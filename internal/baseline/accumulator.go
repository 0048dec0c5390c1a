package baseline

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"logsentry/internal/model"
)

// Accumulator folds durations for one template in constant memory.
// Mean and variance use Welford's update; p95 comes from a DDSketch.
type Accumulator struct {
	count  int64
	mean   float64
	m2     float64
	sketch *ddsketch.DDSketch
}

func NewAccumulator(relativeAccuracy float64) (*Accumulator, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
	if err != nil {
		return nil, err
	}
	return &Accumulator{sketch: sketch}, nil
}

func (a *Accumulator) Add(value float64) {
	a.count++
	delta := value - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (value - a.mean)
	// sketch rejects only values outside its indexable range
	_ = a.sketch.Add(value)
}

func (a *Accumulator) Count() int64 {
	return a.count
}

// Stats returns the population statistics seen so far.
func (a *Accumulator) Stats() model.TemplateStats {
	if a.count == 0 {
		return model.TemplateStats{}
	}
	variance := a.m2 / float64(a.count)
	if variance < 0 {
		variance = 0
	}
	p95, err := a.sketch.GetValueAtQuantile(0.95)
	if err != nil {
		p95 = a.mean
	}
	return model.TemplateStats{
		Count:  a.count,
		Mean:   a.mean,
		StdDev: math.Sqrt(variance),
		P95:    p95,
	}
}
