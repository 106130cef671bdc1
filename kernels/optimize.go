package kernels

import "runtime"

// BatchSize determines the vectorization width used by VectorizedKernel.
func BatchSize() int {
	switch runtime.GOARCH {
	case "amd64":
		return 8 // AVX2 width for float32
	case "arm64":
		return 4 // NEON width for float32
	default:
		return 4
	}
}

// VectorizedKernel applies a scalar function over a slice in fixed-width batches.
type VectorizedKernel struct {
	scalar func(float32) float32
	batch  int
}

// NewVectorizedKernel creates a kernel that batches scalar over its input.
func NewVectorizedKernel(scalar func(float32) float32) *VectorizedKernel {
	return &VectorizedKernel{
		scalar: scalar,
		batch:  BatchSize(),
	}
}

// Execute writes scalar(src[i]) into dst[i]. dst and src may alias.
func (vk *VectorizedKernel) Execute(dst, src []float32) {
	if len(dst) != len(src) {
		panic("vector length mismatch")
	}

	count := len(src)
	for i := 0; i < count; i += vk.batch {
		end := i + vk.batch
		if end > count {
			end = count
		}
		for j := i; j < end; j++ {
			dst[j] = vk.scalar(src[j])
		}
	}
}
