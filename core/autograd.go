package core

import "fmt"

// record attaches the backward closure of an op to out when any parent takes
// part in autograd. Parents without gradients are kept out of the graph.
func record(out *Tensor, backFn func(), parents ...*Tensor) {
	var live []*Tensor
	for _, p := range parents {
		if p.requiresGrad {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		return
	}
	out.requiresGrad = true
	out.Grad = AlignedFloats(len(out.Data))
	out.parents = live
	out.backFn = backFn
}

// Guard returns an identity view of t whose gradient is undefined. The forward
// value is untouched; any Backward that reaches the guard fails with err.
func Guard(t *Tensor, err error) *Tensor {
	out := &Tensor{Shape: cloneShape(t.Shape), Data: t.Data}
	out.fault = err
	record(out, func() {
		for i, g := range out.Grad {
			t.Grad[i] += g
		}
	}, t)
	return out
}

// Fault returns the first undefined-gradient error reachable from t, or nil.
func (t *Tensor) Fault() error {
	for _, n := range t.topo() {
		if n.fault != nil {
			return n.fault
		}
	}
	return nil
}

// Backward runs the reverse pass from a scalar tensor, accumulating into the
// Grad of every parameter it reaches. Nothing is accumulated when the graph
// contains a guarded node.
func (t *Tensor) Backward() error {
	if t.Len() != 1 {
		return fmt.Errorf("%w: backward needs a scalar, got %v", ErrShape, t.Shape)
	}
	if !t.requiresGrad {
		return ErrNoGradient
	}

	topo := t.topo()
	for _, n := range topo {
		if n.fault != nil {
			return n.fault
		}
	}

	// Interior gradients are per-pass; leaves keep accumulating.
	for _, n := range topo {
		if n.backFn != nil {
			clear(n.Grad)
		}
	}
	t.Grad[0] = 1

	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backFn != nil {
			topo[i].backFn()
		}
	}
	return nil
}

// topo returns the autograd graph below t in dependency order (leaves first).
func (t *Tensor) topo() []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var build func(n *Tensor)
	build = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			build(p)
		}
		order = append(order, n)
	}
	build(t)
	return order
}
