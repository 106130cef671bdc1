// Package splice composes activation interventions over small feed-forward
// host models.
//
// A host model exposes hook points, one per block component, named
// "<layer>.<component>". An intervention config attaches units to hook
// points. Each composition call runs the host on one or more source inputs,
// captures the activations at the attached hook points, and splices selected
// subspaces of those activations into the run of a base input.
//
// # Architecture Overview
//
//   - Subspace partitioning: hook point widths are split into ordered,
//     non-overlapping index ranges that calls select by number
//   - Intervention units: Overwrite copies the selected source coordinates;
//     LowRankRotated mixes them inside a learned orthonormal basis
//   - Link registry: attachments sharing a link key share one unit and its
//     parameters
//   - Attachment resolution: configs are checked against the host's hook
//     points before anything runs
//   - Composition: per-call source routing, per-example subspace selection,
//     and hooks scoped to a single run
//
// # Basic Usage
//
//	// Compile a model specification
//	splice compile host.splice host.splc
//
//	// Build a config against the host and run one call
//	host, err := runtime.Load("host.splc", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := engine.LoadConfig("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, err := engine.Build(cfg, host, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := m.Run(ctx, engine.Request{
//	    Base:      base,
//	    Sources:   []*core.Tensor{source},
//	    Subspaces: []subspace.Selection{subspace.Uniform(1, []int{0})},
//	})
//
// # Package Structure
//
//   - core: tensors with reverse-mode autograd and the splice primitives
//   - kernels: row-major float32 kernels and activation opcodes
//   - model: host graph definition and binary checkpoints
//   - compiler: host model DSL
//   - runtime: hooked host execution
//   - subspace: partitioning and per-example selections
//   - intervention: Overwrite and LowRankRotated units
//   - engine: config, link registry, attachment resolution, composition
//   - cmd/splice: command-line tool
package splice
