// Package soft provides a CPU reference implementation of the native
// immediate-mode substrate.
//
// Buffers and textures have real byte storage, so copies, updates, clears,
// resolves, mip generation, and mapping behave like a driver would.
// Shaders are not executed: draws and dispatches validate the bound state,
// feed occlusion queries with the number of vertices submitted, and are
// logged together with a snapshot of the bound pipeline state.
//
// Every call on the immediate context is appended to a [Trace], which
// makes ordering and replay properties testable.
//
// # Immediate-mode rules
//
// The substrate enforces the usage rules of the implicit model:
//   - staging resources have no bind flags and cannot be bound
//   - dynamic and immutable resources cannot be GPU copy destinations
//   - UpdateSubresource only targets default-usage resources
//   - Map requires matching CPU access, and a subresource maps once
//
// # Failure injection
//
// [Options.MemoryBudget] limits the bytes of live resources, [Device.Remove]
// simulates device removal, and shader creation fails when the entry point
// does not occur in the source.
//
// # Registration
//
// The package registers itself as "soft" in the native driver registry.
//
//	import _ "github.com/gogpu/explicit/native/soft"
//
//	dev, _, err := native.Open("soft")
package soft
