package solver

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// numeric differentiation step for tangent-space jacobians
const diffStep = 1e-6

// AnalyticCost is a CostFunction that also provides ambient-space
// Jacobians. jacobians[i] is row-major NumResiduals x BlockSizes[i]; nil
// entries are skipped. The solver chains them with the manifold's
// plus-Jacobian to obtain tangent derivatives.
type AnalyticCost interface {
	CostFunction
	Jacobians(params [][]float64, residuals []float64, jacobians [][]float64) error
}

// Options mirror the solver settings the backend cares about: a hard wall
// budget, iteration cap, and evaluation parallelism.
type Options struct {
	MaxIterations      int
	MaxSolverTime      time.Duration
	NumThreads         int
	FunctionTolerance  float64
	GradientTolerance  float64
	ParameterTolerance float64
	InitialTrustRadius float64
	Clock              clock.Clock
}

// DefaultOptions returns the default solver settings.
func DefaultOptions() Options {
	return Options{
		MaxIterations:      50,
		NumThreads:         1,
		FunctionTolerance:  1e-6,
		GradientTolerance:  1e-10,
		ParameterTolerance: 1e-8,
		InitialTrustRadius: 1e4,
	}
}

// Summary reports the outcome of a solve. Iterates are written back into
// the parameter buffers regardless of convergence.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
	Message     string
}

type linearized struct {
	res  []float64
	jacs [][]float64 // tangent jacobians, row-major per block
}

// Solve runs the dogleg trust-region loop on the problem, mutating the
// registered parameter buffers in place.
func Solve(opts Options, p *Problem) Summary {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
	}
	if opts.NumThreads <= 0 {
		opts.NumThreads = 1
	}
	if opts.FunctionTolerance == 0 {
		opts.FunctionTolerance = 1e-6
	}
	if opts.GradientTolerance == 0 {
		opts.GradientTolerance = 1e-10
	}
	if opts.ParameterTolerance == 0 {
		opts.ParameterTolerance = 1e-8
	}
	if opts.InitialTrustRadius == 0 {
		opts.InitialTrustRadius = 1e4
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	start := opts.Clock.Now()

	// assign tangent offsets
	n := 0
	var active []*paramBlock
	for _, b := range p.blocks {
		b.offset = -1
		if b.constant {
			continue
		}
		b.offset = n
		n += b.tangentSize()
		active = append(active, b)
	}
	cost, err := totalCost(p)
	summary := Summary{InitialCost: cost, FinalCost: cost}
	if err != nil {
		summary.Message = err.Error()
		return summary
	}
	if n == 0 || len(p.residuals) == 0 {
		summary.Converged = true
		summary.Message = "nothing to optimize"
		return summary
	}

	radius := opts.InitialTrustRadius
	h := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)

	for iter := 0; iter < opts.MaxIterations; iter++ {
		summary.Iterations = iter + 1
		if opts.MaxSolverTime > 0 && opts.Clock.Since(start) > opts.MaxSolverTime {
			summary.Message = "wall budget exhausted"
			break
		}

		h.Zero()
		g.Zero()
		lins := linearizeAll(p, opts.NumThreads)
		for i, rb := range p.residuals {
			scatter(rb, lins[i], h, g)
		}
		if mat.Norm(g, math.Inf(1)) < opts.GradientTolerance {
			summary.Converged = true
			summary.Message = "gradient tolerance reached"
			break
		}

		step, ok := doglegStep(h, g, radius)
		if !ok {
			summary.Message = "failed to compute step"
			break
		}
		stepNorm := mat.Norm(step, 2)
		if stepNorm < opts.ParameterTolerance {
			summary.Converged = true
			summary.Message = "parameter tolerance reached"
			break
		}

		// trial state
		saved := saveState(active)
		applyStep(active, step)
		newCost, err := totalCost(p)
		if err != nil {
			restoreState(active, saved)
			summary.Message = err.Error()
			break
		}

		// gain ratio against the quadratic model
		var hd mat.VecDense
		hd.MulVec(h, step)
		model := -(mat.Dot(g, step) + 0.5*mat.Dot(step, &hd))
		actual := cost - newCost
		rho := actual / math.Max(model, 1e-300)

		if rho > 0 && actual > 0 {
			relDecrease := actual / math.Max(cost, 1e-300)
			cost = newCost
			if rho > 0.75 {
				radius = math.Max(radius, 3*stepNorm)
			} else if rho < 0.25 {
				radius /= 2
			}
			if relDecrease < opts.FunctionTolerance {
				summary.Converged = true
				summary.Message = "function tolerance reached"
				break
			}
		} else {
			restoreState(active, saved)
			radius /= 2
			if radius < 1e-12 {
				summary.Converged = true
				summary.Message = "trust region collapsed"
				break
			}
		}
	}

	summary.FinalCost = cost
	if summary.Message == "" {
		summary.Message = "max iterations reached"
	}
	return summary
}

func totalCost(p *Problem) (float64, error) {
	cost := 0.0
	for _, rb := range p.residuals {
		r := make([]float64, rb.cost.NumResiduals())
		params := gatherParams(rb)
		if err := rb.cost.Evaluate(params, r); err != nil {
			return 0, errors.Wrap(err, "residual evaluation failed")
		}
		s := 0.0
		for _, v := range r {
			s += v * v
		}
		rho, _ := rb.loss.Evaluate(s)
		cost += 0.5 * rho
	}
	return cost, nil
}

func gatherParams(rb *residualBlock) [][]float64 {
	params := make([][]float64, len(rb.blocks))
	for i, b := range rb.blocks {
		params[i] = b.x
	}
	return params
}

func linearizeAll(p *Problem, threads int) []linearized {
	out := make([]linearized, len(p.residuals))
	if threads <= 1 || len(p.residuals) < 2*threads {
		for i, rb := range p.residuals {
			out[i] = linearizeOne(rb)
		}
		return out
	}
	var wg sync.WaitGroup
	chunk := (len(p.residuals) + threads - 1) / threads
	for t := 0; t < threads; t++ {
		lo := t * chunk
		hi := lo + chunk
		if hi > len(p.residuals) {
			hi = len(p.residuals)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		func() {
			lo, hi := lo, hi
			goutils.PanicCapturingGo(func() {
				defer wg.Done()
				for i := lo; i < hi; i++ {
					out[i] = linearizeOne(p.residuals[i])
				}
			})
		}()
	}
	wg.Wait()
	return out
}

// linearizeOne evaluates one residual block and its tangent jacobians,
// applying the robust-loss rescaling to both.
func linearizeOne(rb *residualBlock) linearized {
	m := rb.cost.NumResiduals()
	r := make([]float64, m)
	params := gatherParams(rb)
	if err := rb.cost.Evaluate(params, r); err != nil {
		return linearized{res: make([]float64, m), jacs: make([][]float64, len(rb.blocks))}
	}

	jacs := make([][]float64, len(rb.blocks))
	if ac, ok := rb.cost.(AnalyticCost); ok {
		ambient := make([][]float64, len(rb.blocks))
		for i, b := range rb.blocks {
			if b.constant {
				continue
			}
			ambient[i] = make([]float64, m*len(b.x))
		}
		if err := ac.Jacobians(params, r, ambient); err == nil {
			for i, b := range rb.blocks {
				if b.constant || ambient[i] == nil {
					continue
				}
				jacs[i] = chainManifold(b, ambient[i], m)
			}
		}
	}
	for i, b := range rb.blocks {
		if b.constant || jacs[i] != nil {
			continue
		}
		jacs[i] = numericJacobian(rb, i, m)
	}

	// robust loss corrector
	s := 0.0
	for _, v := range r {
		s += v * v
	}
	_, drho := rb.loss.Evaluate(s)
	w := math.Sqrt(drho)
	if w != 1 {
		for i := range r {
			r[i] *= w
		}
		for _, j := range jacs {
			for i := range j {
				j[i] *= w
			}
		}
	}
	return linearized{res: r, jacs: jacs}
}

// chainManifold multiplies an ambient jacobian by the block's numeric
// plus-jacobian to get the tangent jacobian.
func chainManifold(b *paramBlock, ambient []float64, m int) []float64 {
	ts := b.tangentSize()
	as := len(b.x)
	if b.manifold == nil {
		return ambient
	}
	// plus-jacobian: d Plus(x, delta)/d delta at delta = 0
	plus := make([]float64, as*ts)
	delta := make([]float64, ts)
	xp := make([]float64, as)
	xm := make([]float64, as)
	for k := 0; k < ts; k++ {
		delta[k] = diffStep
		b.manifold.Plus(b.x, delta, xp)
		delta[k] = -diffStep
		b.manifold.Plus(b.x, delta, xm)
		delta[k] = 0
		for a := 0; a < as; a++ {
			plus[a*ts+k] = (xp[a] - xm[a]) / (2 * diffStep)
		}
	}
	out := make([]float64, m*ts)
	for row := 0; row < m; row++ {
		for k := 0; k < ts; k++ {
			sum := 0.0
			for a := 0; a < as; a++ {
				sum += ambient[row*as+a] * plus[a*ts+k]
			}
			out[row*ts+k] = sum
		}
	}
	return out
}

// numericJacobian computes the tangent jacobian of block bi by central
// differences through the manifold.
func numericJacobian(rb *residualBlock, bi, m int) []float64 {
	b := rb.blocks[bi]
	ts := b.tangentSize()
	out := make([]float64, m*ts)
	delta := make([]float64, ts)
	trial := make([]float64, len(b.x))
	rp := make([]float64, m)
	rm := make([]float64, m)

	params := gatherParams(rb)
	for k := 0; k < ts; k++ {
		delta[k] = diffStep
		b.plus(delta, trial)
		params[bi] = trial
		if rb.cost.Evaluate(params, rp) != nil {
			params[bi] = b.x
			continue
		}
		delta[k] = -diffStep
		trialM := make([]float64, len(b.x))
		b.plus(delta, trialM)
		params[bi] = trialM
		if rb.cost.Evaluate(params, rm) != nil {
			params[bi] = b.x
			continue
		}
		delta[k] = 0
		params[bi] = b.x
		for row := 0; row < m; row++ {
			out[row*ts+k] = (rp[row] - rm[row]) / (2 * diffStep)
		}
	}
	return out
}

// scatter accumulates one linearized residual into the normal equations.
func scatter(rb *residualBlock, lin linearized, h *mat.SymDense, g *mat.VecDense) {
	m := len(lin.res)
	for i, bi := range rb.blocks {
		if bi.constant || lin.jacs[i] == nil {
			continue
		}
		ti := bi.tangentSize()
		// gradient
		for k := 0; k < ti; k++ {
			sum := 0.0
			for row := 0; row < m; row++ {
				sum += lin.jacs[i][row*ti+k] * lin.res[row]
			}
			g.SetVec(bi.offset+k, g.AtVec(bi.offset+k)+sum)
		}
		// hessian blocks
		for j, bj := range rb.blocks {
			if j < i || bj.constant || lin.jacs[j] == nil {
				continue
			}
			tj := bj.tangentSize()
			for k := 0; k < ti; k++ {
				lStart := 0
				if j == i {
					lStart = k
				}
				for l := lStart; l < tj; l++ {
					sum := 0.0
					for rr := 0; rr < m; rr++ {
						sum += lin.jacs[i][rr*ti+k] * lin.jacs[j][rr*tj+l]
					}
					row := bi.offset + k
					col := bj.offset + l
					if col < row {
						row, col = col, row
					}
					h.SetSym(row, col, h.At(row, col)+sum)
				}
			}
		}
	}
}

// doglegStep combines the Gauss-Newton and Cauchy steps within the trust
// radius.
func doglegStep(h *mat.SymDense, g *mat.VecDense, radius float64) (*mat.VecDense, bool) {
	n := g.Len()
	neg := mat.NewVecDense(n, nil)
	neg.ScaleVec(-1, g)

	gn := mat.NewVecDense(n, nil)
	solved := false
	damped := mat.NewSymDense(n, nil)
	lambda := 0.0
	for try := 0; try < 8; try++ {
		damped.CopySym(h)
		if lambda > 0 {
			for i := 0; i < n; i++ {
				damped.SetSym(i, i, damped.At(i, i)+lambda)
			}
		}
		var chol mat.Cholesky
		if chol.Factorize(damped) {
			if err := chol.SolveVecTo(gn, neg); err == nil {
				solved = true
				break
			}
		}
		if lambda == 0 {
			lambda = 1e-10
		} else {
			lambda *= 100
		}
	}
	if !solved {
		return nil, false
	}
	if mat.Norm(gn, 2) <= radius {
		return gn, true
	}

	// Cauchy point
	var hg mat.VecDense
	hg.MulVec(h, g)
	gtg := mat.Dot(g, g)
	gthg := mat.Dot(g, &hg)
	sd := mat.NewVecDense(n, nil)
	if gthg <= 0 {
		sd.ScaleVec(-radius/math.Sqrt(gtg), g)
		return sd, true
	}
	alpha := gtg / gthg
	sd.ScaleVec(-alpha, g)
	sdNorm := mat.Norm(sd, 2)
	if sdNorm >= radius {
		sd.ScaleVec(radius/sdNorm, sd)
		return sd, true
	}

	// interpolate along the dogleg path to the trust boundary
	diff := mat.NewVecDense(n, nil)
	diff.SubVec(gn, sd)
	a := mat.Dot(diff, diff)
	bq := 2 * mat.Dot(sd, diff)
	c := mat.Dot(sd, sd) - radius*radius
	disc := bq*bq - 4*a*c
	beta := 0.0
	if disc > 0 && a > 0 {
		beta = (-bq + math.Sqrt(disc)) / (2 * a)
	}
	step := mat.NewVecDense(n, nil)
	step.AddScaledVec(sd, beta, diff)
	return step, true
}

func saveState(blocks []*paramBlock) [][]float64 {
	out := make([][]float64, len(blocks))
	for i, b := range blocks {
		out[i] = append([]float64(nil), b.x...)
	}
	return out
}

func restoreState(blocks []*paramBlock, saved [][]float64) {
	for i, b := range blocks {
		copy(b.x, saved[i])
	}
}

func applyStep(blocks []*paramBlock, step *mat.VecDense) {
	for _, b := range blocks {
		ts := b.tangentSize()
		delta := make([]float64, ts)
		for k := 0; k < ts; k++ {
			delta[k] = step.AtVec(b.offset + k)
		}
		b.plus(delta, b.x)
	}
}
