package solver

import (
	"github.com/pkg/errors"
)

// CostFunction is one residual block over a set of parameter blocks.
type CostFunction interface {
	NumResiduals() int
	// BlockSizes are the ambient sizes of the parameter blocks, in the
	// order they are passed to AddResidualBlock.
	BlockSizes() []int
	Evaluate(params [][]float64, residuals []float64) error
}

type paramBlock struct {
	x        []float64
	manifold Manifold
	constant bool
	// tangent offset in the assembled state, -1 while unassigned/constant
	offset int
}

type residualBlock struct {
	cost   CostFunction
	loss   Loss
	blocks []*paramBlock
}

// Problem is a sparse nonlinear least-squares problem: parameter blocks
// identified by the address of their first element, plus residual blocks
// over them.
type Problem struct {
	index     map[*float64]*paramBlock
	blocks    []*paramBlock
	residuals []*residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{index: map[*float64]*paramBlock{}}
}

// AddParameterBlock registers x with the given manifold. A nil manifold
// means Euclidean. Re-registering the same buffer is a no-op that may only
// upgrade a nil manifold.
func (p *Problem) AddParameterBlock(x []float64, manifold Manifold) {
	if len(x) == 0 {
		return
	}
	key := &x[0]
	if b, ok := p.index[key]; ok {
		if b.manifold == nil && manifold != nil {
			b.manifold = manifold
		}
		return
	}
	b := &paramBlock{x: x, manifold: manifold, offset: -1}
	p.index[key] = b
	p.blocks = append(p.blocks, b)
}

// SetParameterBlockConstant holds x fixed during optimization.
func (p *Problem) SetParameterBlockConstant(x []float64) {
	if b, ok := p.index[&x[0]]; ok {
		b.constant = true
	}
}

// AddResidualBlock adds cost over the given parameter buffers, registering
// any that have not been added yet. A nil loss means the trivial loss.
func (p *Problem) AddResidualBlock(cost CostFunction, loss Loss, params ...[]float64) error {
	sizes := cost.BlockSizes()
	if len(sizes) != len(params) {
		return errors.Errorf("cost expects %d parameter blocks, got %d", len(sizes), len(params))
	}
	if loss == nil {
		loss = TrivialLoss{}
	}
	rb := &residualBlock{cost: cost, loss: loss}
	for i, x := range params {
		if len(x) != sizes[i] {
			return errors.Errorf("parameter block %d has size %d, cost expects %d", i, len(x), sizes[i])
		}
		p.AddParameterBlock(x, nil)
		rb.blocks = append(rb.blocks, p.index[&x[0]])
	}
	p.residuals = append(p.residuals, rb)
	return nil
}

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumParameterBlocks returns the number of parameter blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }

func (b *paramBlock) tangentSize() int {
	if b.manifold == nil {
		return len(b.x)
	}
	return b.manifold.TangentSize()
}

func (b *paramBlock) plus(delta []float64, out []float64) {
	if b.manifold == nil {
		for i := range b.x {
			out[i] = b.x[i] + delta[i]
		}
		return
	}
	b.manifold.Plus(b.x, delta, out)
}
