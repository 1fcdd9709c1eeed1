package train

import (
	"fmt"
	"math"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/nn"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8

	clipEps = 1e-6
)

// Group is a set of parameters sharing a weight decay.
type Group struct {
	Name        string
	Params      []*nn.Param
	WeightDecay float64
}

// AdamW applies decoupled weight decay Adam updates. All mutable state lives
// in a checkpoint.OptimizerState so it can be snapshotted and restored.
type AdamW struct {
	groups []Group
}

func NewAdamW(groups ...Group) *AdamW {
	return &AdamW{groups: groups}
}

// InitState returns zeroed moments for every parameter at learning rate lr.
func (o *AdamW) InitState(lr float64) *checkpoint.OptimizerState {
	st := &checkpoint.OptimizerState{
		Beta1:  adamBeta1,
		Beta2:  adamBeta2,
		Eps:    adamEps,
		Groups: make([]checkpoint.GroupState, len(o.groups)),
	}
	for i, g := range o.groups {
		gs := checkpoint.GroupState{
			Name:        g.Name,
			LR:          lr,
			WeightDecay: g.WeightDecay,
			Moments:     make(map[string]*checkpoint.Moments, len(g.Params)),
		}
		for _, p := range g.Params {
			gs.Moments[p.Name] = &checkpoint.Moments{
				M: make([]float64, p.Len()),
				V: make([]float64, p.Len()),
			}
		}
		st.Groups[i] = gs
	}
	return st
}

// Check verifies that st matches the optimizer's groups and parameters.
func (o *AdamW) Check(st *checkpoint.OptimizerState) error {
	if st == nil {
		return fmt.Errorf("optimizer state is missing")
	}
	if len(st.Groups) != len(o.groups) {
		return fmt.Errorf("optimizer state has %d groups, want %d", len(st.Groups), len(o.groups))
	}
	for i, g := range o.groups {
		gs := st.Groups[i]
		if gs.Name != g.Name {
			return fmt.Errorf("optimizer group %d is %q, want %q", i, gs.Name, g.Name)
		}
		for _, p := range g.Params {
			m, ok := gs.Moments[p.Name]
			if !ok {
				return fmt.Errorf("optimizer group %q has no moments for %q", g.Name, p.Name)
			}
			if len(m.M) != p.Len() || len(m.V) != p.Len() {
				return fmt.Errorf("optimizer moments for %q have the wrong length", p.Name)
			}
		}
	}
	return nil
}

// Step applies one update using the gradients currently held by the params
// and advances st.
func (o *AdamW) Step(st *checkpoint.OptimizerState) {
	st.Step++
	bc1 := 1 - math.Pow(st.Beta1, float64(st.Step))
	bc2 := 1 - math.Pow(st.Beta2, float64(st.Step))
	sqrtBC2 := math.Sqrt(bc2)

	for i, g := range o.groups {
		gs := &st.Groups[i]
		lr := gs.LR
		decay := 1 - lr*gs.WeightDecay
		stepSize := lr / bc1
		for _, p := range g.Params {
			m := gs.Moments[p.Name]
			for j, grad := range p.Grad {
				p.Value[j] *= decay
				m.M[j] = st.Beta1*m.M[j] + (1-st.Beta1)*grad
				m.V[j] = st.Beta2*m.V[j] + (1-st.Beta2)*grad*grad
				denom := math.Sqrt(m.V[j])/sqrtBC2 + st.Eps
				p.Value[j] -= stepSize * m.M[j] / denom
			}
		}
	}
}

// SetLR sets the learning rate of every group.
func SetLR(st *checkpoint.OptimizerState, lr float64) {
	for i := range st.Groups {
		st.Groups[i].LR = lr
	}
}

// NewScheduler starts a cosine annealing schedule at baseLR.
func NewScheduler(baseLR, etaMin float64, tMax int) checkpoint.SchedulerState {
	return checkpoint.SchedulerState{BaseLR: baseLR, EtaMin: etaMin, TMax: tMax}
}

// CosineLR is the learning rate at the schedule's current position:
// etaMin + (base - etaMin) * (1 + cos(pi * t / T)) / 2.
func CosineLR(s checkpoint.SchedulerState) float64 {
	if s.TMax <= 0 {
		return s.BaseLR
	}
	t := float64(s.LastEpoch) / float64(s.TMax)
	return s.EtaMin + (s.BaseLR-s.EtaMin)*(1+math.Cos(math.Pi*t))/2
}

// StepScheduler advances the schedule by one epoch.
func StepScheduler(s checkpoint.SchedulerState) checkpoint.SchedulerState {
	s.LastEpoch++
	return s
}

// ClipGradNorm rescales the gradients of params so their joint L2 norm is at
// most maxNorm and returns the norm before clipping.
func ClipGradNorm(params []*nn.Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	total := math.Sqrt(sq)
	coef := maxNorm / (total + clipEps)
	if coef < 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return total
}
