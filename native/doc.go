// Package native defines the immediate-mode substrate the explicit API is
// replayed against.
//
// The substrate follows the implicit model: a Device creates typed
// resources and immutable fixed-function state objects, and a single
// immediate Context receives state changes and commands that take effect at
// once. There are no command buffers, no pipelines, and no user-visible
// memory objects; those concepts live one layer up, in package explicit.
//
// # Implementations
//
// Two implementations ship with the module:
//   - native/soft: a CPU reference substrate with real storage and a
//     transition trace, used by the tests and the replay tool
//   - native/wgpuhal: a substrate on top of a gogpu/wgpu HAL device
//
// Implementations register themselves with [Register] and are opened
// through [Open].
//
// # Errors
//
// Failures are reported as *[Error] values carrying a [Code]. Callers map
// codes to their own status space; see [CodeOf] and [IsDeviceLost].
package native
