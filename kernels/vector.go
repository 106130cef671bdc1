package kernels

// VectorAdd returns a + b.
func VectorAdd(a, b []float32) []float32 {
	if len(a) != len(b) {
		panic("vector length mismatch")
	}

	result := make([]float32, len(a))
	for i := range a {
		result[i] = a[i] + b[i]
	}
	return result
}

// VectorSub returns a - b.
func VectorSub(a, b []float32) []float32 {
	if len(a) != len(b) {
		panic("vector length mismatch")
	}

	result := make([]float32, len(a))
	for i := range a {
		result[i] = a[i] - b[i]
	}
	return result
}

// VectorAddInPlace performs a += b.
func VectorAddInPlace(a, b []float32) {
	if len(a) != len(b) {
		panic("vector length mismatch")
	}

	for i := range a {
		a[i] += b[i]
	}
}

// Axpy performs y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	if len(x) != len(y) {
		panic("vector length mismatch")
	}

	for i := range x {
		y[i] += alpha * x[i]
	}
}

// MatMul multiplies an aRows x aCols matrix by an aCols x bCols matrix.
func MatMul(a []float32, aRows, aCols int, b []float32, bCols int) []float32 {
	if len(a) < aRows*aCols || len(b) < aCols*bCols {
		panic("matrix data insufficient")
	}

	result := make([]float32, aRows*bCols)

	// i-k-j order keeps the inner loop streaming over contiguous rows of b
	for i := 0; i < aRows; i++ {
		out := result[i*bCols : (i+1)*bCols]
		for k := 0; k < aCols; k++ {
			av := a[i*aCols+k]
			if av == 0 {
				continue
			}
			row := b[k*bCols : (k+1)*bCols]
			for j, bv := range row {
				out[j] += av * bv
			}
		}
	}

	return result
}

// Transpose returns the cols x rows transpose of a rows x cols matrix.
func Transpose(a []float32, rows, cols int) []float32 {
	if len(a) < rows*cols {
		panic("matrix data insufficient")
	}

	result := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result[j*rows+i] = a[i*cols+j]
		}
	}
	return result
}
