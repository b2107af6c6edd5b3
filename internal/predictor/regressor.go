package predictor

import (
	"errors"
	"math"
)

// Regressor is a trainable model mapping a feature vector to a value.
type Regressor interface {
	Fit(features [][]float64, targets []float64) error
	Predict(features []float64) float64
}

var errNoSamples = errors.New("no training samples")

// Ridge is a linear least squares model with an L2 penalty, solved through
// the normal equations. The intercept is not penalized.
type Ridge struct {
	Lambda  float64
	weights []float64
}

func NewRidge() Regressor { return &Ridge{Lambda: 1e-3} }

func (r *Ridge) Fit(features [][]float64, targets []float64) error {
	if len(features) == 0 || len(features) != len(targets) {
		return errNoSamples
	}
	n := len(features[0]) + 1

	// a = XᵀX + λI, b = Xᵀy with a leading column of ones for the intercept
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n)
	}
	b := make([]float64, n)
	row := make([]float64, n)
	for s, x := range features {
		row[0] = 1
		copy(row[1:], x)
		for i := 0; i < n; i++ {
			b[i] += row[i] * targets[s]
			for j := 0; j < n; j++ {
				a[i][j] += row[i] * row[j]
			}
		}
	}
	for i := 1; i < n; i++ {
		a[i][i] += r.Lambda * float64(len(features))
	}

	w, err := solve(a, b)
	if err != nil {
		return err
	}
	r.weights = w
	return nil
}

func (r *Ridge) Predict(x []float64) float64 {
	if len(r.weights) == 0 {
		return 0
	}
	v := r.weights[0]
	for i, f := range x {
		if i+1 < len(r.weights) {
			v += r.weights[i+1] * f
		}
	}
	return v
}

// solve runs Gaussian elimination with partial pivoting. a and b are
// modified in place.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("singular system")
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}
