package leastsquares

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/camcalib/utils"
)

// rosenbrock is the classic banana function written as two residuals.
type rosenbrock struct{}

func (rosenbrock) Dims() (int, int) { return 2, 2 }

func (rosenbrock) Residuals(dst, x []float64) {
	dst[0] = 10 * (x[1] - x[0]*x[0])
	dst[1] = 1 - x[0]
}

func (rosenbrock) Jacobian(dst *mat.Dense, x []float64) {
	dst.Set(0, 0, -20*x[0])
	dst.Set(0, 1, 10)
	dst.Set(1, 0, -1)
	dst.Set(1, 1, 0)
}

// exponentialFit fits y = a*exp(b*t) without an analytic Jacobian.
type exponentialFit struct {
	t, y []float64
}

func (e *exponentialFit) Dims() (int, int) { return len(e.t), 2 }

func (e *exponentialFit) Residuals(dst, x []float64) {
	for i := range e.t {
		dst[i] = x[0]*math.Exp(x[1]*e.t[i]) - e.y[i]
	}
}

func TestMinimizeAnalyticJacobian(t *testing.T) {
	res, err := Minimize(context.Background(), rosenbrock{}, []float64{-1.2, 1}, DefaultSettings())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged(), test.ShouldBeTrue)
	test.That(t, res.X[0], test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, res.X[1], test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, res.Iterations, test.ShouldBeLessThanOrEqualTo, DefaultSettings().MaxIterations)
}

func TestMinimizeNumericJacobian(t *testing.T) {
	fit := &exponentialFit{}
	for i := 0; i < 20; i++ {
		ti := float64(i) / 10
		fit.t = append(fit.t, ti)
		fit.y = append(fit.y, 2.5*math.Exp(-1.3*ti))
	}
	res, err := Minimize(context.Background(), fit, []float64{1, 0}, DefaultSettings())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X[0], test.ShouldAlmostEqual, 2.5, 1e-6)
	test.That(t, res.X[1], test.ShouldAlmostEqual, -1.3, 1e-6)
	test.That(t, res.Cost, test.ShouldBeLessThan, 1e-12)
}

func TestMinimizeIterationCap(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxIterations = 1
	x0 := []float64{-1.2, 1}
	res, err := Minimize(context.Background(), rosenbrock{}, x0, settings)
	test.That(t, errors.Is(err, utils.ErrNonConvergent), test.ShouldBeTrue)
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.Status, test.ShouldEqual, optimize.IterationLimit)
	test.That(t, res.Iterations, test.ShouldEqual, 1)
	// the caller's starting point is left untouched
	test.That(t, x0, test.ShouldResemble, []float64{-1.2, 1})
}

func TestMinimizeErrors(t *testing.T) {
	_, err := Minimize(context.Background(), rosenbrock{}, []float64{1}, DefaultSettings())
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Minimize(context.Background(), &exponentialFit{t: []float64{1}, y: []float64{1}}, []float64{1, 1}, DefaultSettings())
	test.That(t, err.Error(), test.ShouldContainSubstring, "underdetermined")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Minimize(ctx, rosenbrock{}, []float64{-1.2, 1}, DefaultSettings())
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
