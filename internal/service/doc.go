// Package service implements the boot supervisor of bootd.
//
// Overview
// The Supervisor owns an immutable model.Config, a Registry of service
// Definitions and a map of running instances keyed by the lowercased service
// name. Each Definition carries a Role: exactly one Primary, exactly one
// Terminal, everything else is Ordinary.
//
// Start drives three phases:
//
//	Supervisor.Start
//	    |
//	    |-- phase 1: Primary ---------------------> Start(ctx)      (await)
//	    |
//	    |-- phase 2: Ordinary --+-----------------> Start(ctx)      (errgroup,
//	    |                       +-----------------> Start(ctx)       join all)
//	    |                       +-----------------> Start(ctx)
//	    |
//	    |-- phase 3: Terminal --------------------> Start(ctx)      (await)
//	    |
//	    Running
//
// Invariants:
//   - The Primary returns from Start before any other service is started.
//   - The Terminal is started only after every Ordinary service succeeded.
//   - A phase which failed is joined before Start returns, later phases never begin.
//   - A name is present in the instance map iff its Start returned nil.
//   - Every Start is invoked at most once per Supervisor.
//
// Services reach each other through the Host passed to their Factory, usually
// via the typed accessor Get.
//
// There is no timeout unless model.Config.PhaseTimeout is set, a service which
// never returns from Start blocks the boot.
package service
