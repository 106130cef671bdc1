package kernels

import (
	"math/rand"
	"testing"
)

// Helper function to generate random float32 slices
func generateRandomFloat32(size int) []float32 {
	data := make([]float32, size)
	for i := range data {
		data[i] = rand.Float32()*200 - 100 // Range: -100 to 100
	}
	return data
}

func BenchmarkVectorAdd_1K(b *testing.B) {
	a := generateRandomFloat32(1024)
	v := generateRandomFloat32(1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VectorAddInPlace(a, v)
	}
}

func BenchmarkMatMul_64(b *testing.B) {
	const n = 64
	a := generateRandomFloat32(n * n)
	m := generateRandomFloat32(n * n)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MatMul(a, n, n, m, n)
	}
}

func BenchmarkActivation_Tanh_1K(b *testing.B) {
	src := generateRandomFloat32(1024)
	dst := make([]float32, len(src))
	vk := NewVectorizedKernel(Catalog[OpTanh].Forward)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		vk.Execute(dst, src)
	}
}
