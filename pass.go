package explicit

import (
	"github.com/gogpu/explicit/internal/pass"
)

// Render pass descriptions.
type (
	AttachmentDescription = pass.Attachment
	SubpassDescription    = pass.Subpass
	ClearValue            = pass.ClearValue
)

// AttachmentUnused marks an unused attachment reference.
const AttachmentUnused = pass.Unused

// CreateRenderPass creates a render pass.
func (d *Device) CreateRenderPass(attachments []AttachmentDescription, subpasses []SubpassDescription) (RenderPass, error) {
	rp, err := pass.New(attachments, subpasses)
	if err != nil {
		return 0, d.fail("CreateRenderPass", 0, err)
	}
	return d.passes.insert(rp), nil
}

// DestroyRenderPass destroys rp.
func (d *Device) DestroyRenderPass(rp RenderPass) error {
	_, _, err := d.passes.remove(rp)
	return d.fail("DestroyRenderPass", uint64(rp), err)
}

// FramebufferCreateInfo binds image views to the attachments of a
// compatible render pass.
type FramebufferCreateInfo struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Width       uint32
	Height      uint32
	Layers      uint32
}

// CreateFramebuffer creates a framebuffer.
func (d *Device) CreateFramebuffer(info FramebufferCreateInfo) (Framebuffer, error) {
	rp, err := d.passes.get(info.RenderPass)
	if err != nil {
		return 0, d.fail("CreateFramebuffer", uint64(info.RenderPass), err)
	}
	views, err := getAll(d.views, info.Attachments)
	if err != nil {
		return 0, d.fail("CreateFramebuffer", 0, err)
	}
	layers := info.Layers
	if layers == 0 {
		layers = 1
	}
	fb, err := pass.NewFramebuffer(rp, views, info.Width, info.Height, layers)
	if err != nil {
		return 0, d.fail("CreateFramebuffer", 0, err)
	}
	return d.framebuffers.insert(fb), nil
}

// DestroyFramebuffer destroys fb.
func (d *Device) DestroyFramebuffer(fb Framebuffer) error {
	_, _, err := d.framebuffers.remove(fb)
	return d.fail("DestroyFramebuffer", uint64(fb), err)
}
