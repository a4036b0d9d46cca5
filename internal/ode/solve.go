package ode

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/born-ml/neuralode/internal/tensor"
)

// PI step size controller constants.
const (
	gamma     = 0.9
	qmin      = 0.2
	qmax      = 10.0
	qoldInit  = 1e-4
	minEEstQ  = 1e-4
	dtMinRel  = 1e-12
	probeTiny = 1e-5
	endSlack  = 1e-13
)

// tapeMarker is implemented by recording backends that can discard work.
type tapeMarker interface {
	MarkTape() int
	RewindTape(mark int)
}

type solver[B tensor.Backend] struct {
	prob   Problem[B]
	tab    *Tableau
	opts   Options
	tdir   float64
	marker tapeMarker
	stats  Stats
	ks     []*tensor.Tensor[float32, B]
	scaled []float64
}

// Solve integrates prob with the given method. A nil tableau means Tsit5.
func Solve[B tensor.Backend](ctx context.Context, prob Problem[B], tab *Tableau, opts Options) (*Solution[B], error) {
	if tab == nil {
		tab = Tsit5()
	}
	if prob.F == nil || prob.U0 == nil {
		return nil, errors.New("ode: problem needs F and U0")
	}
	if prob.U0.DType() != tensor.Float32 {
		return nil, errors.Errorf("ode: state must be float32, got %s", prob.U0.DType())
	}
	if !allFinite(prob.U0.Raw().AsFloat32()) {
		return nil, errors.Wrapf(ErrNonFinite, "initial state at t=%g", prob.TSpan[0])
	}

	s := &solver[B]{
		prob:   prob,
		tab:    tab,
		opts:   opts.withDefaults(),
		tdir:   1,
		ks:     make([]*tensor.Tensor[float32, B], tab.Stages()),
		scaled: make([]float64, prob.U0.NumElements()),
	}
	if prob.TSpan[1] < prob.TSpan[0] {
		s.tdir = -1
	}
	s.marker, _ = any(prob.U0.Backend()).(tapeMarker)

	sol, err := s.run(ctx)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("ode: %s solved [%g, %g]: nf=%d accepted=%d rejected=%d",
		tab.Name, prob.TSpan[0], prob.TSpan[1], sol.Stats.NF, sol.Stats.Accepted, sol.Stats.Rejected)
	return sol, nil
}

func (s *solver[B]) run(ctx context.Context) (*Solution[B], error) {
	t0, t1 := s.prob.TSpan[0], s.prob.TSpan[1]
	sol := &Solution[B]{Alg: s.tab.Name}
	save := func(t float64, u *tensor.Tensor[float32, B]) {
		sol.T = append(sol.T, t)
		sol.U = append(sol.U, u)
	}

	t, u := t0, s.prob.U0
	if s.opts.SaveStart {
		save(t, u)
	}
	if t0 == t1 {
		if !s.opts.SaveStart {
			save(t, u)
		}
		sol.Stats = s.stats
		return sol, nil
	}

	k1, err := s.evalChecked(t, u)
	if err != nil {
		return nil, err
	}

	var dt float64
	switch {
	case s.opts.Dt > 0:
		dt = s.tdir * s.opts.Dt
	case !s.tab.Adaptive:
		return nil, errors.Wrapf(ErrNeedsDt, "method %s", s.tab.Name)
	default:
		dt = s.initialDt(t, u, k1)
	}

	qold := qoldInit
	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "ode: interrupted at t=%g", t)
		}
		if iter >= s.opts.MaxIters {
			return nil, errors.Wrapf(ErrMaxIters, "%d iterations at t=%g", s.opts.MaxIters, t)
		}

		if k1 == nil {
			k1 = s.eval(t, u)
		}

		// Steps landing within rounding distance of t1 finish the solve.
		last := false
		if s.tdir*(t1-(t+dt)) <= endSlack*math.Max(1, math.Abs(t1)) {
			dt = t1 - t
			last = true
		}
		if !last && math.Abs(dt) < s.minStep(t) {
			return nil, errors.Wrapf(ErrStepTooSmall, "dt=%g at t=%g", dt, t)
		}

		mark := s.mark()
		unew, kLast := s.step(t, u, dt, k1)

		if !s.tab.Adaptive {
			if !allFinite(unew.Raw().AsFloat32()) {
				return nil, errors.Wrapf(ErrNonFinite, "t=%g", t+dt)
			}
			s.stats.Accepted++
			t, u, k1 = t+dt, unew, nil
			if last {
				t = t1
				save(t, u)
				break
			}
			if s.opts.SaveEveryStep {
				save(t, u)
			}
			continue
		}

		eest := s.errorNorm(u, unew, dt, kLast)
		q11 := math.Pow(eest, s.tab.Beta1)
		if eest > 1 {
			s.rewind(mark)
			s.stats.Rejected++
			dt /= math.Min(1/qmin, q11/gamma)
			continue
		}

		q := q11 / math.Pow(qold, s.tab.Beta2)
		q = math.Max(1/qmax, math.Min(1/qmin, q/gamma))
		qold = math.Max(eest, minEEstQ)
		s.stats.Accepted++

		t, u = t+dt, unew
		if s.tab.FSAL {
			k1 = kLast
		} else {
			k1 = nil
		}
		if last {
			t = t1
			save(t, u)
			break
		}
		if s.opts.SaveEveryStep {
			save(t, u)
		}
		dt /= q
	}

	sol.Stats = s.stats
	return sol, nil
}

// step takes one Runge-Kutta step of size dt from (t, u) with f(t, u) = k1.
// For FSAL methods it also returns f(t+dt, unew).
func (s *solver[B]) step(t float64, u *tensor.Tensor[float32, B], dt float64, k1 *tensor.Tensor[float32, B]) (unew, kLast *tensor.Tensor[float32, B]) {
	tab := s.tab
	s.ks[0] = k1
	for i := 1; i < tab.Stages(); i++ {
		ui := combine(u, dt, tab.A[i], s.ks[:i])
		s.ks[i] = s.eval(t+tab.C[i]*dt, ui)
	}
	unew = combine(u, dt, tab.B, s.ks)
	if tab.FSAL {
		kLast = s.eval(t+dt, unew)
	}
	return unew, kLast
}

// combine returns u + dt·Σ coeffs[j]·ks[j], skipping zero coefficients.
func combine[B tensor.Backend](u *tensor.Tensor[float32, B], dt float64, coeffs []float64, ks []*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	var acc *tensor.Tensor[float32, B]
	for j, a := range coeffs {
		if a == 0 {
			continue
		}
		term := ks[j].MulScalar(float32(dt * a))
		if acc == nil {
			acc = term
		} else {
			acc = acc.Add(term)
		}
	}
	if acc == nil {
		return u
	}
	return u.Add(acc)
}

// errorNorm is the RMS norm of the embedded error estimate scaled by
// abstol + max(|u|, |unew|)·reltol. Non-finite values count as +Inf.
func (s *solver[B]) errorNorm(u, unew *tensor.Tensor[float32, B], dt float64, kLast *tensor.Tensor[float32, B]) float64 {
	tab := s.tab
	uData, unewData := u.Raw().AsFloat32(), unew.Raw().AsFloat32()
	kData := make([][]float32, len(tab.BTilde))
	for i := range tab.BTilde {
		if i < tab.Stages() {
			kData[i] = s.ks[i].Raw().AsFloat32()
		} else {
			kData[i] = kLast.Raw().AsFloat32()
		}
	}

	for j := range s.scaled {
		var e float64
		for i, bt := range tab.BTilde {
			e += bt * float64(kData[i][j])
		}
		e *= dt
		sc := s.opts.AbsTol + math.Max(math.Abs(float64(uData[j])), math.Abs(float64(unewData[j])))*s.opts.RelTol
		s.scaled[j] = e / sc
	}
	norm := rms(s.scaled)
	if math.IsNaN(norm) || math.IsInf(norm, 0) || !allFinite(unewData) {
		return math.Inf(1)
	}
	return norm
}

// initialDt picks the first step with Hairer's heuristic, reusing f0 = f(t0, u0).
func (s *solver[B]) initialDt(t0 float64, u0, f0 *tensor.Tensor[float32, B]) float64 {
	span := math.Abs(s.prob.TSpan[1] - t0)
	uData, fData := u0.Raw().AsFloat32(), f0.Raw().AsFloat32()
	sk := make([]float64, len(uData))
	for j, v := range uData {
		sk[j] = s.opts.AbsTol + math.Abs(float64(v))*s.opts.RelTol
	}
	scaled := func(x []float32) float64 {
		for j, v := range x {
			s.scaled[j] = float64(v) / sk[j]
		}
		return rms(s.scaled)
	}

	d0, d1 := scaled(uData), scaled(fData)
	dt0 := 1e-6
	if d0 >= probeTiny && d1 >= probeTiny {
		dt0 = 0.01 * d0 / d1
	}
	dt0 = math.Min(dt0, span)

	mark := s.mark()
	u1 := u0.Add(f0.MulScalar(float32(s.tdir * dt0)))
	f1 := s.eval(t0+s.tdir*dt0, u1).Raw().AsFloat32()
	for j := range s.scaled {
		s.scaled[j] = (float64(f1[j]) - float64(fData[j])) / sk[j]
	}
	d2 := rms(s.scaled) / dt0
	s.rewind(mark)

	var dt1 float64
	if dmax := math.Max(d1, d2); dmax <= 1e-15 || math.IsNaN(dmax) {
		dt1 = math.Max(1e-6, dt0*1e-3)
	} else {
		dt1 = math.Pow(0.01/dmax, 1/float64(s.tab.Order))
	}
	return s.tdir * math.Min(math.Min(100*dt0, dt1), span)
}

func (s *solver[B]) eval(t float64, u *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s.stats.NF++
	return s.prob.F(t, u)
}

// evalChecked is eval plus a shape check, used for the first evaluation.
func (s *solver[B]) evalChecked(t float64, u *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	du := s.eval(t, u)
	if du == nil || !du.Shape().Equal(u.Shape()) {
		var got tensor.Shape
		if du != nil {
			got = du.Shape()
		}
		return nil, errors.Errorf("ode: f returned shape %v for state shape %v", got, u.Shape())
	}
	return du, nil
}

func (s *solver[B]) minStep(t float64) float64 {
	return math.Max(s.opts.DtMin, dtMinRel*math.Max(1, math.Abs(t)))
}

func (s *solver[B]) mark() int {
	if s.marker == nil {
		return 0
	}
	return s.marker.MarkTape()
}

func (s *solver[B]) rewind(mark int) {
	if s.marker != nil {
		s.marker.RewindTape(mark)
	}
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Norm(x, 2) / math.Sqrt(float64(len(x)))
}

func allFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
