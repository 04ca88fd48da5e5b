// Package wgpuhal implements the native immediate-mode substrate on top of
// a gogpu/wgpu HAL device.
//
// Buffers and textures are HAL resources. Copies are encoded into one-shot
// command encoders and submitted at once; UpdateSubresource goes through
// Queue.WriteBuffer and Queue.WriteTexture; Map uses Device.MapBuffer.
// Staging textures are backed by a mappable HAL buffer with tightly packed
// subresources, because HAL textures cannot be mapped.
//
// Event queries complete when the HAL queue reports the submission that
// preceded End as completed.
//
// Fixed-function state objects, shaders, and input layouts are validated
// descriptor holders. Draws, dispatches, resolves, and mip generation
// report native.CodeUnsupported: the HAL pipeline model has no immediate
// equivalent.
//
// The package registers "wgpu-software" and "wgpu-noop" drivers backed by
// the HAL software and noop backends.
package wgpuhal
