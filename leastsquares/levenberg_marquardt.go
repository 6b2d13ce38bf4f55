// Package leastsquares implements a bounded Levenberg-Marquardt solver for nonlinear
// least-squares problems.
package leastsquares

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/camcalib/utils"
)

// Problem is a residual vector r(x) whose squared norm is minimized.
type Problem interface {
	// Dims returns the number of residuals and the number of parameters.
	Dims() (residuals, params int)
	// Residuals writes r(x) into dst, which has length residuals.
	Residuals(dst, x []float64)
}

// Jacobianer is implemented by problems that can compute their own Jacobian. Problems that
// don't are differentiated numerically.
type Jacobianer interface {
	// Jacobian writes dr/dx into dst, a residuals x params matrix.
	Jacobian(dst *mat.Dense, x []float64)
}

// Settings bound the solver.
type Settings struct {
	// MaxIterations caps the number of Jacobian evaluations.
	MaxIterations int `json:"max_iterations"`
	// InitialDamping is the starting value of the damping factor lambda.
	InitialDamping float64 `json:"initial_damping"`
	// CostThreshold stops the solve once 0.5*|r|^2 falls to or below it.
	CostThreshold float64 `json:"cost_threshold"`
	// GradientThreshold stops the solve once the infinity norm of J^T r falls below it.
	GradientThreshold float64 `json:"gradient_threshold"`
	// StepTolerance stops the solve once |dx| <= StepTolerance*(|x|+StepTolerance).
	StepTolerance float64 `json:"step_tolerance"`
}

// DefaultSettings returns settings suitable for reprojection problems measured in pixels.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:     50,
		InitialDamping:    1e-3,
		CostThreshold:     1e-20,
		GradientThreshold: 1e-12,
		StepTolerance:     1e-10,
	}
}

const maxDamping = 1e16

// Result is the outcome of a solve.
type Result struct {
	X          []float64
	Cost       float64
	Iterations int
	Status     optimize.Status
}

// Converged reports whether the solve stopped on a convergence criterion.
func (r *Result) Converged() bool {
	return r.Status != optimize.IterationLimit && r.Status != optimize.NotTerminated
}

// solver holds the preallocated buffers for one solve.
type solver struct {
	problem  Problem
	jacobian func(dst *mat.Dense, x []float64)
	settings Settings

	residual, trialResidual []float64
	x, trialX, diag         []float64
	jac                     *mat.Dense
	normal                  *mat.SymDense
	damped                  *mat.SymDense
	grad, step              *mat.VecDense
}

func newSolver(problem Problem, x0 []float64, settings Settings) (*solver, error) {
	m, n := problem.Dims()
	if n == 0 || len(x0) != n {
		return nil, errors.Errorf("expected %d parameters, got %d", n, len(x0))
	}
	if m < n {
		return nil, errors.Errorf("underdetermined problem: %d residuals for %d parameters", m, n)
	}
	s := &solver{
		problem:       problem,
		settings:      settings,
		residual:      make([]float64, m),
		trialResidual: make([]float64, m),
		x:             append([]float64(nil), x0...),
		trialX:        make([]float64, n),
		diag:          make([]float64, n),
		jac:           mat.NewDense(m, n, nil),
		normal:        mat.NewSymDense(n, nil),
		damped:        mat.NewSymDense(n, nil),
		grad:          mat.NewVecDense(n, nil),
		step:          mat.NewVecDense(n, nil),
	}
	if j, ok := problem.(Jacobianer); ok {
		s.jacobian = j.Jacobian
	} else {
		s.jacobian = func(dst *mat.Dense, x []float64) {
			fd.Jacobian(dst, problem.Residuals, x, &fd.JacobianSettings{Formula: fd.Central})
		}
	}
	return s, nil
}

func (s *solver) cost(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}

// Minimize runs Levenberg-Marquardt from x0. When the iteration cap is reached before any
// convergence criterion, the best point found is returned along with an error wrapping
// utils.ErrNonConvergent.
func Minimize(ctx context.Context, problem Problem, x0 []float64, settings Settings) (*Result, error) {
	s, err := newSolver(problem, x0, settings)
	if err != nil {
		return nil, err
	}
	return s.run(ctx)
}

func (s *solver) run(ctx context.Context) (*Result, error) {
	n := len(s.x)
	s.problem.Residuals(s.residual, s.x)
	cost := s.cost(s.residual)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, errors.New("residuals are not finite at the initial point")
	}
	lambda := s.settings.InitialDamping
	result := &Result{Status: optimize.NotTerminated}

	for result.Iterations < s.settings.MaxIterations && result.Status == optimize.NotTerminated {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cost <= s.settings.CostThreshold {
			result.Status = optimize.FunctionThreshold
			break
		}
		result.Iterations++

		s.jacobian(s.jac, s.x)
		s.normal.SymOuterK(1, s.jac.T())
		s.grad.MulVec(s.jac.T(), mat.NewVecDense(len(s.residual), s.residual))
		if mat.Norm(s.grad, math.Inf(1)) < s.settings.GradientThreshold {
			result.Status = optimize.GradientThreshold
			break
		}
		for i := 0; i < n; i++ {
			s.diag[i] = math.Max(s.normal.At(i, i), 1e-12)
		}

		// Raise the damping until a step lowers the cost.
		for {
			s.damped.CopySym(s.normal)
			for i := 0; i < n; i++ {
				s.damped.SetSym(i, i, s.normal.At(i, i)+lambda*s.diag[i])
			}
			var chol mat.Cholesky
			if ok := chol.Factorize(s.damped); !ok {
				lambda *= 10
				if lambda > maxDamping {
					result.Status = optimize.MethodConverge
					break
				}
				continue
			}
			if err := chol.SolveVecTo(s.step, s.grad); err != nil {
				lambda *= 10
				if lambda > maxDamping {
					result.Status = optimize.MethodConverge
					break
				}
				continue
			}
			for i := 0; i < n; i++ {
				s.trialX[i] = s.x[i] - s.step.AtVec(i)
			}
			s.problem.Residuals(s.trialResidual, s.trialX)
			trialCost := s.cost(s.trialResidual)
			if trialCost < cost {
				stepNorm := mat.Norm(s.step, 2)
				xNorm := floats.Norm(s.x, 2)
				copy(s.x, s.trialX)
				copy(s.residual, s.trialResidual)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				if stepNorm <= s.settings.StepTolerance*(xNorm+s.settings.StepTolerance) {
					result.Status = optimize.StepConvergence
				}
				break
			}
			lambda *= 10
			if lambda > maxDamping {
				// No descent direction left at machine precision.
				result.Status = optimize.MethodConverge
				break
			}
		}
	}
	if result.Status == optimize.NotTerminated {
		if cost <= s.settings.CostThreshold {
			result.Status = optimize.FunctionThreshold
		} else {
			result.Status = optimize.IterationLimit
		}
	}

	result.X = s.x
	result.Cost = cost
	if !result.Converged() {
		return result, utils.NewNonConvergentError(result.Iterations, cost)
	}
	return result, nil
}
