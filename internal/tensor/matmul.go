package tensor

import (
	"runtime"
	"sync"
)

// Below this many multiply-adds a matmul runs on the calling goroutine
const minParallelFlops = 1 << 15

// parallelRows splits [0, n) row ranges across workers when the work is
// large enough to pay for the goroutines
func parallelRows(n, flops int, fn func(lo, hi int)) {
	workers := runtime.GOMAXPROCS(0)
	if flops < minParallelFlops || workers <= 1 || n < 2 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// matmulInto computes out = a * b. out is n x p, a is n x m, b is m x p.
func matmulInto(out, a, b []float64, n, m, p int) {
	parallelRows(n, n*m*p, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			outRow := out[r*p : (r+1)*p]
			for i := range outRow {
				outRow[i] = 0
			}
			aRow := a[r*m : (r+1)*m]
			for k := 0; k < m; k++ {
				av := aRow[k]
				if av == 0 {
					continue
				}
				bRow := b[k*p : (k+1)*p]
				for c := 0; c < p; c++ {
					outRow[c] += av * bRow[c]
				}
			}
		}
	})
}

// matmulNTAdd computes dst += a * b^T. dst is n x m, a is n x p, b is m x p.
// Backward of C = A*B uses this for dA += dC * B^T.
func matmulNTAdd(dst, a, b []float64, n, m, p int) {
	parallelRows(n, n*m*p, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			dstRow := dst[r*m : (r+1)*m]
			aRow := a[r*p : (r+1)*p]
			for k := 0; k < m; k++ {
				bRow := b[k*p : (k+1)*p]
				sum := 0.0
				for c := 0; c < p; c++ {
					sum += aRow[c] * bRow[c]
				}
				dstRow[k] += sum
			}
		}
	})
}

// matmulTNAdd computes dst += a^T * b. dst is m x p, a is n x m, b is n x p.
// Backward of C = A*B uses this for dB += A^T * dC.
func matmulTNAdd(dst, a, b []float64, n, m, p int) {
	parallelRows(m, n*m*p, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			dstRow := dst[k*p : (k+1)*p]
			for r := 0; r < n; r++ {
				av := a[r*m+k]
				if av == 0 {
					continue
				}
				bRow := b[r*p : (r+1)*p]
				for c := 0; c < p; c++ {
					dstRow[c] += av * bRow[c]
				}
			}
		}
	})
}
