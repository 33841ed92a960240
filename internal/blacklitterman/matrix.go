package blacklitterman

import (
	"fmt"
	"math"
)

// matrix is a dense n×m matrix of float64, row-major. No linear-algebra
// library (gonum, blas/lapack bindings, or any equivalent) exists anywhere
// in the grounding corpus, so the handful of operations this package needs
// — multiply, transpose, Gauss-Jordan inversion, and a diagonal helper —
// are implemented directly over [][]float64, in the same spirit as every
// other numeric pass in this engine.
type matrix [][]float64

func newMatrix(rows, cols int) matrix {
	m := make(matrix, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func identity(n int) matrix {
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

func diag(v []float64) matrix {
	n := len(v)
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = v[i]
	}
	return m
}

func (m matrix) rows() int { return len(m) }
func (m matrix) cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

func (m matrix) transpose() matrix {
	t := newMatrix(m.cols(), m.rows())
	for i := 0; i < m.rows(); i++ {
		for j := 0; j < m.cols(); j++ {
			t[j][i] = m[i][j]
		}
	}
	return t
}

func (a matrix) mul(b matrix) matrix {
	if a.cols() != b.rows() {
		panic(fmt.Sprintf("matrix dimension mismatch in mul: %dx%d * %dx%d", a.rows(), a.cols(), b.rows(), b.cols()))
	}
	out := newMatrix(a.rows(), b.cols())
	for i := 0; i < a.rows(); i++ {
		for k := 0; k < a.cols(); k++ {
			aik := a[i][k]
			if aik == 0 {
				continue
			}
			for j := 0; j < b.cols(); j++ {
				out[i][j] += aik * b[k][j]
			}
		}
	}
	return out
}

// mulVec multiplies m by column vector v.
func (m matrix) mulVec(v []float64) []float64 {
	out := make([]float64, m.rows())
	for i := 0; i < m.rows(); i++ {
		var sum float64
		for j := 0; j < m.cols(); j++ {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func (m matrix) scale(s float64) matrix {
	out := newMatrix(m.rows(), m.cols())
	for i := range m {
		for j := range m[i] {
			out[i][j] = m[i][j] * s
		}
	}
	return out
}

func (a matrix) add(b matrix) matrix {
	out := newMatrix(a.rows(), a.cols())
	for i := range a {
		for j := range a[i] {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

// inverse computes m⁻¹ via Gauss-Jordan elimination with partial pivoting.
// Returns an error (rather than a best-effort result) if m is numerically
// singular, which the caller maps to SingularCovarianceError.
func (m matrix) inverse() (matrix, error) {
	n := m.rows()
	if n != m.cols() {
		return nil, fmt.Errorf("inverse: matrix is not square (%dx%d)", n, m.cols())
	}

	aug := newMatrix(n, 2*n)
	for i := 0; i < n; i++ {
		copy(aug[i][:n], m[i])
		aug[i][n+i] = 1
	}

	const pivotEps = 1e-12
	for col := 0; col < n; col++ {
		pivotRow := col
		maxAbs := math.Abs(aug[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(aug[r][col]); v > maxAbs {
				maxAbs = v
				pivotRow = r
			}
		}
		if maxAbs < pivotEps {
			return nil, fmt.Errorf("inverse: matrix is singular at column %d", col)
		}
		aug[col], aug[pivotRow] = aug[pivotRow], aug[col]

		pivot := aug[col][col]
		for j := 0; j < 2*n; j++ {
			aug[col][j] /= pivot
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}

	inv := newMatrix(n, n)
	for i := 0; i < n; i++ {
		copy(inv[i], aug[i][n:])
	}
	return inv, nil
}

// isSymmetricPSD reports whether m is symmetric (within tolerance) and
// positive semidefinite, checked via a Cholesky attempt: PSD iff every
// pivot in the Cholesky decomposition is non-negative, with pivots down to
// -1e-9 treated as zero to absorb rounding noise.
func (m matrix) isSymmetricPSD() bool {
	n := m.rows()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(m[i][j]-m[j][i]) > 1e-6*(1+math.Abs(m[i][j])) {
				return false
			}
		}
	}

	l := newMatrix(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := m[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum < -1e-9 {
					return false
				}
				if sum < 0 {
					sum = 0
				}
				l[i][j] = math.Sqrt(sum)
			} else {
				if l[j][j] == 0 {
					l[i][j] = 0
					continue
				}
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return true
}
