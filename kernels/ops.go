// Package kernels provides the float32 compute kernels behind splice tensors.
//
// Kernels are plain functions over []float32 in row-major layout. They never
// record autograd state; the core package wraps them into differentiable ops.
//
// Available operations:
//   - Element-wise: add, sub, axpy
//   - Linear algebra: matrix multiplication, transpose
//   - Activations: identity, ReLU, sigmoid, tanh (forward and derivative)
//   - Normalization: softmax over a row
//
// Activations are registered in the Catalog array for dispatch by the opcode
// stored in a host model layer.
package kernels

import (
	"fmt"
	"math"
)

// Activation opcodes stored in host model layers.
const (
	OpIdentity = 0x00
	OpReLU     = 0x03
	OpSigmoid  = 0x04
	OpTanh     = 0x05
)

// Activation pairs an element-wise forward function with its derivative.
// Derivative receives the pre-activation input x and the forward output y.
type Activation struct {
	Name       string
	Forward    func(x float32) float32
	Derivative func(x, y float32) float32
}

// Catalog maps opcodes to activation kernels. Unset entries have a nil Forward.
var Catalog = [256]Activation{
	OpIdentity: {Name: "identity", Forward: identity, Derivative: identityGrad},
	OpReLU:     {Name: "relu", Forward: relu, Derivative: reluGrad},
	OpSigmoid:  {Name: "sigmoid", Forward: sigmoid, Derivative: sigmoidGrad},
	OpTanh:     {Name: "tanh", Forward: tanh, Derivative: tanhGrad},
}

// GetActivation returns the activation registered for opcode.
func GetActivation(opcode uint8) (Activation, error) {
	a := Catalog[opcode]
	if a.Forward == nil {
		return Activation{}, fmt.Errorf("unknown activation opcode 0x%02x", opcode)
	}
	return a, nil
}

// LookupActivation resolves an activation by name ("relu", "tanh", ...).
func LookupActivation(name string) (uint8, error) {
	if name == "" || name == "none" || name == "linear" {
		return OpIdentity, nil
	}
	for op, a := range Catalog {
		if a.Forward != nil && a.Name == name {
			return uint8(op), nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

func identity(x float32) float32        { return x }
func identityGrad(_, _ float32) float32 { return 1 }

// relu implements Rectified Linear Unit: max(0, x)
func relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

func reluGrad(x, _ float32) float32 {
	if x > 0 {
		return 1
	}
	return 0
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func sigmoidGrad(_, y float32) float32 {
	return y * (1 - y)
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func tanhGrad(_, y float32) float32 {
	return 1 - y*y
}

// Softmax normalizes each row of an m x n matrix in place, numerically stable.
func Softmax(data []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		if len(row) == 0 {
			continue
		}

		// Find maximum for numerical stability
		maxVal := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}

		var sum float32
		for i, v := range row {
			row[i] = float32(math.Exp(float64(v - maxVal)))
			sum += row[i]
		}

		invSum := 1 / sum
		for i := range row {
			row[i] *= invSum
		}
	}
}
