package fec

import "errors"

// ErrSingularMatrix is returned if a coding matrix could not be inverted.
// Any square submatrix of a Cauchy matrix is invertible, so this cannot
// occur for matrices built by buildSystematicMatrix.
var ErrSingularMatrix = errors.New("fec: singular coding matrix")

// matrix is a row-major byte matrix over GF(2^8).
type matrix [][]byte

func newMatrix(rows, cols int) matrix {
	m := make(matrix, rows)
	for i := range m {
		m[i] = make([]byte, cols)
	}
	return m
}

// buildCauchy builds an n x k Cauchy matrix C[i][j] = 1/(x_i XOR y_j) with
// x_i = i and y_j = n+j, so that x and y ranges never collide and every
// square submatrix of C is invertible (the defining Cauchy property).
func buildCauchy(n, k int) matrix {
	m := newMatrix(n, k)
	for i := 0; i < n; i++ {
		x := byte(i)
		for j := 0; j < k; j++ {
			y := byte(n + j)
			m[i][j] = gfInv(x ^ y)
		}
	}
	return m
}

// buildSystematicMatrix returns an n x k matrix whose first k rows form the
// k x k identity (systematic encoding: data shards pass through unchanged)
// while preserving the Cauchy property that any k rows remain invertible.
func buildSystematicMatrix(n, k int) (matrix, error) {
	cauchy := buildCauchy(n, k)
	top := make(matrix, k)
	copy(top, cauchy[:k])
	topInv, err := invert(top)
	if err != nil {
		return nil, err
	}
	return multiply(cauchy, topInv), nil
}

// multiply computes a * b for a (rows x inner) and b (inner x cols).
func multiply(a, b matrix) matrix {
	rows := len(a)
	inner := len(b)
	cols := len(b[0])
	out := newMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for l := 0; l < inner; l++ {
			av := a[i][l]
			if av == 0 {
				continue
			}
			for j := 0; j < cols; j++ {
				out[i][j] = gfAdd(out[i][j], gfMul(av, b[l][j]))
			}
		}
	}
	return out
}

// invert computes the inverse of a square matrix via Gauss-Jordan
// elimination over GF(2^8).
func invert(src matrix) (matrix, error) {
	n := len(src)
	work := newMatrix(n, 2*n)
	for i := 0; i < n; i++ {
		copy(work[i][:n], src[i])
		work[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for r := col; r < n; r++ {
			if work[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot == -1 {
			return nil, ErrSingularMatrix
		}
		work[col], work[pivot] = work[pivot], work[col]

		inv := gfInv(work[col][col])
		for c := 0; c < 2*n; c++ {
			work[col][c] = gfMul(work[col][c], inv)
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := work[r][col]
			if factor == 0 {
				continue
			}
			for c := 0; c < 2*n; c++ {
				work[r][c] = gfAdd(work[r][c], gfMul(factor, work[col][c]))
			}
		}
	}

	out := newMatrix(n, n)
	for i := 0; i < n; i++ {
		copy(out[i], work[i][n:])
	}
	return out, nil
}
