package imu

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// State vector offsets inside the 15-dimensional error state
// [delta_p, delta_theta, delta_v, delta_ba, delta_bg].
const (
	OP  = 0
	OR  = 3
	OV  = 6
	OBA = 9
	OBG = 12
)

// DefaultRelinearizeThreshold is the bias drift beyond which SetNewBias
// re-integrates instead of applying the first-order Jacobian correction.
const DefaultRelinearizeThreshold = 0.01

// Preintegration accumulates IMU samples between two timestamps into a
// relative motion constraint. Deltas are expressed in the body frame of the
// first timestamp and linearized about LinearizedBias.
type Preintegration struct {
	Calib Calib

	SumDt  float64
	DeltaQ quat.Number
	DeltaV r3.Vector
	DeltaP r3.Vector

	// Covariance of the error state, 15x15.
	Covariance *mat.Dense
	// Jacobian of the deltas with respect to the error state; the bias
	// columns are the first-order bias correction terms.
	Jacobian *mat.Dense

	LinearizedBias Bias

	// RelinearizeThreshold guards SetNewBias; zero means the default.
	RelinearizeThreshold float64

	acc0, gyro0           r3.Vector
	firstAcc, firstGyro   r3.Vector
	noise                 *mat.Dense // 18x18

	dtBuf   []float64
	accBuf  []r3.Vector
	gyroBuf []r3.Vector
}

// NewPreintegration starts an empty preintegration at bias b. first is the
// IMU sample at the starting timestamp.
func NewPreintegration(first Sample, b Bias, calib Calib) *Preintegration {
	p := &Preintegration{
		Calib:          calib,
		DeltaQ:         quat.Number{Real: 1},
		Covariance:     mat.NewDense(15, 15, nil),
		Jacobian:       eye(15),
		LinearizedBias: b,
		acc0:           first.Acc,
		gyro0:          first.Gyro,
		firstAcc:       first.Acc,
		firstGyro:      first.Gyro,
	}
	p.noise = mat.NewDense(18, 18, nil)
	setDiag3(p.noise, 0, calib.AccNoise*calib.AccNoise)
	setDiag3(p.noise, 3, calib.GyroNoise*calib.GyroNoise)
	setDiag3(p.noise, 6, calib.AccNoise*calib.AccNoise)
	setDiag3(p.noise, 9, calib.GyroNoise*calib.GyroNoise)
	setDiag3(p.noise, 12, calib.AccWalk*calib.AccWalk)
	setDiag3(p.noise, 15, calib.GyroWalk*calib.GyroWalk)
	return p
}

// Append incorporates one IMU sample dt seconds after the previous one.
func (p *Preintegration) Append(dt float64, acc, gyro r3.Vector) error {
	if dt <= 0 {
		return errors.Wrapf(ErrInvalidInput, "non-monotonic dt %f", dt)
	}
	if !finite(acc) || !finite(gyro) {
		return errors.Wrap(ErrInvalidInput, "non-finite sample")
	}
	p.dtBuf = append(p.dtBuf, dt)
	p.accBuf = append(p.accBuf, acc)
	p.gyroBuf = append(p.gyroBuf, gyro)
	p.propagate(dt, acc, gyro)
	return nil
}

// midpoint integration of one interval, updating deltas, the bias Jacobian,
// and the covariance.
func (p *Preintegration) propagate(dt float64, acc1, gyro1 r3.Vector) {
	ba := p.LinearizedBias.Accel
	bg := p.LinearizedBias.Gyro

	unAcc0 := spatialmath.Rotate(p.DeltaQ, p.acc0.Sub(ba))
	gyroMid := p.gyro0.Add(gyro1).Mul(0.5).Sub(bg)
	deltaQ1 := spatialmath.NormalizeRotation(
		quat.Mul(p.DeltaQ, spatialmath.DeltaQ(gyroMid.Mul(dt))))
	unAcc1 := spatialmath.Rotate(deltaQ1, acc1.Sub(ba))
	unAccMid := unAcc0.Add(unAcc1).Mul(0.5)

	newP := p.DeltaP.Add(p.DeltaV.Mul(dt)).Add(unAccMid.Mul(0.5 * dt * dt))
	newV := p.DeltaV.Add(unAccMid.Mul(dt))

	r0 := spatialmath.QuatToRotMat(p.DeltaQ)
	r1 := spatialmath.QuatToRotMat(deltaQ1)
	a0x := spatialmath.Hat(p.acc0.Sub(ba))
	a1x := spatialmath.Hat(acc1.Sub(ba))
	wx := spatialmath.Hat(gyroMid)

	// F: discrete error-state transition
	f := eye(15)
	var r0a0, r1a1, r1a1w mat.Dense
	r0a0.Mul(r0, a0x)
	r1a1.Mul(r1, a1x)
	iwdt := eye(3)
	iwdt.Sub(iwdt, scaled(wx, dt))
	r1a1w.Mul(&r1a1, iwdt)

	var fpr mat.Dense
	fpr.Add(scaled(&r0a0, -0.25*dt*dt), scaled(&r1a1w, -0.25*dt*dt))
	setBlock(f, OP, OR, &fpr)
	setBlock(f, OP, OV, scaled(eye(3), dt))
	var rsum mat.Dense
	rsum.Add(r0, r1)
	setBlock(f, OP, OBA, scaled(&rsum, -0.25*dt*dt))
	setBlock(f, OP, OBG, scaled(&r1a1, 0.25*dt*dt*dt))
	setBlock(f, OR, OR, iwdt)
	setBlock(f, OR, OBG, scaled(eye(3), -dt))
	var fvr mat.Dense
	fvr.Add(scaled(&r0a0, -0.5*dt), scaled(&r1a1w, -0.5*dt))
	setBlock(f, OV, OR, &fvr)
	setBlock(f, OV, OBA, scaled(&rsum, -0.5*dt))
	setBlock(f, OV, OBG, scaled(&r1a1, 0.5*dt*dt))

	// V: noise propagation, noise order [na0 ng0 na1 ng1 nba nbg]
	v := mat.NewDense(15, 18, nil)
	setBlock(v, OP, 0, scaled(r0, 0.25*dt*dt))
	setBlock(v, OP, 3, scaled(&r1a1, -0.125*dt*dt*dt))
	setBlock(v, OP, 6, scaled(r1, 0.25*dt*dt))
	setBlock(v, OP, 9, scaled(&r1a1, -0.125*dt*dt*dt))
	setBlock(v, OR, 3, scaled(eye(3), 0.5*dt))
	setBlock(v, OR, 9, scaled(eye(3), 0.5*dt))
	setBlock(v, OV, 0, scaled(r0, 0.5*dt))
	setBlock(v, OV, 3, scaled(&r1a1, -0.25*dt*dt))
	setBlock(v, OV, 6, scaled(r1, 0.5*dt))
	setBlock(v, OV, 9, scaled(&r1a1, -0.25*dt*dt))
	setBlock(v, OBA, 12, scaled(eye(3), dt))
	setBlock(v, OBG, 15, scaled(eye(3), dt))

	var newJac mat.Dense
	newJac.Mul(f, p.Jacobian)
	p.Jacobian = &newJac

	var fc, fcf, vn, vnv, newCov mat.Dense
	fc.Mul(f, p.Covariance)
	fcf.Mul(&fc, f.T())
	vn.Mul(v, p.noise)
	vnv.Mul(&vn, v.T())
	newCov.Add(&fcf, &vnv)
	p.Covariance = &newCov

	p.DeltaP = newP
	p.DeltaV = newV
	p.DeltaQ = deltaQ1
	p.SumDt += dt
	p.acc0 = acc1
	p.gyro0 = gyro1
}

// GetDeltaRotation returns the preintegrated rotation corrected to bias b.
func (p *Preintegration) GetDeltaRotation(b Bias) quat.Number {
	dbg := b.Gyro.Sub(p.LinearizedBias.Gyro)
	corr := mulBlockVec(p.Jacobian, OR, OBG, dbg)
	return spatialmath.NormalizeRotation(quat.Mul(p.DeltaQ, spatialmath.DeltaQ(corr)))
}

// GetDeltaVelocity returns the preintegrated velocity corrected to bias b.
func (p *Preintegration) GetDeltaVelocity(b Bias) r3.Vector {
	d := b.Sub(p.LinearizedBias)
	return p.DeltaV.
		Add(mulBlockVec(p.Jacobian, OV, OBA, d.Accel)).
		Add(mulBlockVec(p.Jacobian, OV, OBG, d.Gyro))
}

// GetDeltaPosition returns the preintegrated position corrected to bias b.
func (p *Preintegration) GetDeltaPosition(b Bias) r3.Vector {
	d := b.Sub(p.LinearizedBias)
	return p.DeltaP.
		Add(mulBlockVec(p.Jacobian, OP, OBA, d.Accel)).
		Add(mulBlockVec(p.Jacobian, OP, OBG, d.Gyro))
}

// SetNewBias relinearizes about b. If the drift from LinearizedBias exceeds
// the threshold the buffered samples are re-integrated; otherwise the
// first-order Jacobian correction keeps being applied at evaluation time.
func (p *Preintegration) SetNewBias(b Bias) {
	thresh := p.RelinearizeThreshold
	if thresh == 0 {
		thresh = DefaultRelinearizeThreshold
	}
	if b.Sub(p.LinearizedBias).Norm() <= thresh {
		return
	}
	p.Repropagate(b)
}

// Repropagate re-integrates all buffered samples about bias b.
func (p *Preintegration) Repropagate(b Bias) {
	p.LinearizedBias = b
	p.SumDt = 0
	p.DeltaQ = quat.Number{Real: 1}
	p.DeltaV = r3.Vector{}
	p.DeltaP = r3.Vector{}
	p.Covariance = mat.NewDense(15, 15, nil)
	p.Jacobian = eye(15)
	p.acc0 = p.firstAcc
	p.gyro0 = p.firstGyro
	for i, dt := range p.dtBuf {
		p.propagate(dt, p.accBuf[i], p.gyroBuf[i])
	}
}

// Clone deep-copies the preintegration.
func (p *Preintegration) Clone() *Preintegration {
	c := *p
	c.Covariance = mat.DenseCopyOf(p.Covariance)
	c.Jacobian = mat.DenseCopyOf(p.Jacobian)
	c.noise = mat.DenseCopyOf(p.noise)
	c.dtBuf = append([]float64(nil), p.dtBuf...)
	c.accBuf = append([]r3.Vector(nil), p.accBuf...)
	c.gyroBuf = append([]r3.Vector(nil), p.gyroBuf...)
	return &c
}

// Evaluate computes the 15-dimensional predicted-minus-measured residual
// between two body states, with the first-order bias correction applied.
func (p *Preintegration) Evaluate(
	pi r3.Vector, qi quat.Number, vi r3.Vector, bai, bgi r3.Vector,
	pj r3.Vector, qj quat.Number, vj r3.Vector, baj, bgj r3.Vector,
) []float64 {
	return p.EvaluateWithGravity(Gravity, pi, qi, vi, bai, bgi, pj, qj, vj, baj, bgj)
}

// EvaluateWithGravity is Evaluate with an explicit gravity vector; the
// inertial initializer's residual passes gravity rotated by its
// gravity-rotation block.
func (p *Preintegration) EvaluateWithGravity(
	gravity r3.Vector,
	pi r3.Vector, qi quat.Number, vi r3.Vector, bai, bgi r3.Vector,
	pj r3.Vector, qj quat.Number, vj r3.Vector, baj, bgj r3.Vector,
) []float64 {
	res := make([]float64, 15)
	d := Bias{Accel: bai, Gyro: bgi}.Sub(p.LinearizedBias)

	correctedQ := quat.Mul(p.DeltaQ, spatialmath.DeltaQ(mulBlockVec(p.Jacobian, OR, OBG, d.Gyro)))
	correctedV := p.DeltaV.
		Add(mulBlockVec(p.Jacobian, OV, OBA, d.Accel)).
		Add(mulBlockVec(p.Jacobian, OV, OBG, d.Gyro))
	correctedP := p.DeltaP.
		Add(mulBlockVec(p.Jacobian, OP, OBA, d.Accel)).
		Add(mulBlockVec(p.Jacobian, OP, OBG, d.Gyro))

	qiInv := quat.Conj(qi)
	dt := p.SumDt

	ep := spatialmath.Rotate(qiInv,
		pj.Sub(pi).Sub(vi.Mul(dt)).Sub(gravity.Mul(0.5*dt*dt))).Sub(correctedP)
	eq := quat.Mul(quat.Conj(correctedQ), quat.Mul(qiInv, qj))
	if eq.Real < 0 {
		eq = quat.Scale(-1, eq)
	}
	ev := spatialmath.Rotate(qiInv, vj.Sub(vi).Sub(gravity.Mul(dt))).Sub(correctedV)

	res[OP], res[OP+1], res[OP+2] = ep.X, ep.Y, ep.Z
	res[OR], res[OR+1], res[OR+2] = 2*eq.Imag, 2*eq.Jmag, 2*eq.Kmag
	res[OV], res[OV+1], res[OV+2] = ev.X, ev.Y, ev.Z
	res[OBA], res[OBA+1], res[OBA+2] = baj.X-bai.X, baj.Y-bai.Y, baj.Z-bai.Z
	res[OBG], res[OBG+1], res[OBG+2] = bgj.X-bgi.X, bgj.Y-bgi.Y, bgj.Z-bgi.Z
	return res
}

// SqrtInformation returns the transposed Cholesky factor U of the
// information matrix, so that U*residual whitens the residual.
func (p *Preintegration) SqrtInformation() (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(p.Covariance); err != nil {
		return nil, errors.Wrap(err, "singular preintegration covariance")
	}
	sym := mat.NewSymDense(15, nil)
	for i := 0; i < 15; i++ {
		for j := i; j < 15; j++ {
			sym.SetSym(i, j, (inv.At(i, j)+inv.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, errors.New("information matrix not positive definite")
	}
	var u mat.TriDense
	chol.UTo(&u)
	return mat.DenseCopyOf(&u), nil
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func setDiag3(m *mat.Dense, off int, v float64) {
	for i := 0; i < 3; i++ {
		m.Set(off+i, off+i, v)
	}
}

func setBlock(dst *mat.Dense, row, col int, src mat.Matrix) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

func scaled(m mat.Matrix, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}

func mulBlockVec(m *mat.Dense, row, col int, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(row, col)*v.X + m.At(row, col+1)*v.Y + m.At(row, col+2)*v.Z,
		Y: m.At(row+1, col)*v.X + m.At(row+1, col+1)*v.Y + m.At(row+1, col+2)*v.Z,
		Z: m.At(row+2, col)*v.X + m.At(row+2, col+1)*v.Y + m.At(row+2, col+2)*v.Z,
	}
}
