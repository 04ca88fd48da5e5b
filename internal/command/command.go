// Package command records explicit command buffers and replays them on an
// execution context.
//
// Commands are typed value structs, one per operation kind. Each command
// owns every input it needs, captured when it was recorded: handles,
// offsets, sizes, and values derived from the recording-time state such
// as vertex strides or dynamic state objects. Replay never reads the
// recording-time state.
//
// # Architecture
//
// Commands group into:
//   - Binding commands (BindPipeline, BindVertexBuffers, BindIndexBuffer,
//     BindDescriptorSets). These have a remove step used when a buffer
//     stops being current.
//   - Work commands (draws, dispatches, copies, clears, resolves)
//   - Dynamic state commands (SetViewport, SetBlendConstants, ...)
//   - Query, event, and render pass commands
//
// # Example
//
//	pool := command.NewPool(0, command.Config{Cache: cache})
//	bufs, _ := pool.Allocate(command.LevelPrimary, 1)
//	cb := bufs[0]
//	cb.Begin(command.OneTimeSubmit, nil)
//	cb.BindPipeline(p)
//	cb.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{0})
//	cb.Draw(3, 1, 0, 0)
//	cb.End()
//
//	ctx.Lock()
//	err := cb.Execute(ctx)
//	ctx.Unlock()
package command

import (
	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pass"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/internal/query"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
)

// CommandType identifies the type of a command.
type CommandType uint8

const (
	// Binding commands
	CmdBindPipeline       CommandType = iota // Bind a pipeline with its dynamic values
	CmdBindVertexBuffers                     // Bind vertex buffers with baked strides
	CmdBindIndexBuffer                       // Bind an index buffer
	CmdBindDescriptorSets                    // Bind descriptor sets

	// Work commands
	CmdDraw                // Draw vertices
	CmdDrawIndexed         // Draw indexed vertices
	CmdDrawIndirect        // Draw with arguments from a buffer
	CmdDrawIndexedIndirect // Draw indexed with arguments from a buffer
	CmdDispatch            // Dispatch compute work
	CmdDispatchIndirect    // Dispatch with arguments from a buffer

	// Transfer commands
	CmdCopyBuffer        // Copy between buffers
	CmdCopyImage         // Copy between images
	CmdCopyBufferToImage // Copy buffer bytes into an image
	CmdCopyImageToBuffer // Copy image texels into a buffer
	CmdUpdateBuffer      // Write inline data into a buffer
	CmdFillBuffer        // Fill a buffer range with a word
	CmdClearColor        // Clear colour image ranges
	CmdClearDepthStencil // Clear depth-stencil image ranges
	CmdClearAttachments  // Clear attachments of the current subpass
	CmdResolveImage      // Resolve a multisampled image
	CmdGenerateMips      // Generate the mip chain of a view

	// Query commands
	CmdBeginQuery       // Begin a query
	CmdEndQuery         // End a query
	CmdWriteTimestamp   // Write a timestamp
	CmdResetQueryPool   // Reset query slots
	CmdCopyQueryResults // Copy query results into a buffer

	// Dynamic state commands
	CmdSetViewport          // Set viewports
	CmdSetScissor           // Set scissor rectangles
	CmdSetBlendConstants    // Set blend constants
	CmdSetStencilReference  // Set the stencil reference
	CmdSetDepthBias         // Set the depth bias
	CmdSetDepthStencilState // Set the depth-stencil state
	CmdPushConstants        // Update push constants

	// Synchronization commands
	CmdPipelineBarrier // Order memory accesses
	CmdSetEvent        // Set an event
	CmdResetEvent      // Reset an event
	CmdWaitEvents      // Wait for events

	// Nesting and render pass commands
	CmdExecuteSecondary // Execute secondary command buffers
	CmdBeginRenderPass  // Begin a render pass
	CmdNextSubpass      // Advance to the next subpass
	CmdEndRenderPass    // End a render pass
)

// commandTypeNames maps CommandType values to their string representation.
var commandTypeNames = [...]string{
	CmdBindPipeline:         "BindPipeline",
	CmdBindVertexBuffers:    "BindVertexBuffers",
	CmdBindIndexBuffer:      "BindIndexBuffer",
	CmdBindDescriptorSets:   "BindDescriptorSets",
	CmdDraw:                 "Draw",
	CmdDrawIndexed:          "DrawIndexed",
	CmdDrawIndirect:         "DrawIndirect",
	CmdDrawIndexedIndirect:  "DrawIndexedIndirect",
	CmdDispatch:             "Dispatch",
	CmdDispatchIndirect:     "DispatchIndirect",
	CmdCopyBuffer:           "CopyBuffer",
	CmdCopyImage:            "CopyImage",
	CmdCopyBufferToImage:    "CopyBufferToImage",
	CmdCopyImageToBuffer:    "CopyImageToBuffer",
	CmdUpdateBuffer:         "UpdateBuffer",
	CmdFillBuffer:           "FillBuffer",
	CmdClearColor:           "ClearColor",
	CmdClearDepthStencil:    "ClearDepthStencil",
	CmdClearAttachments:     "ClearAttachments",
	CmdResolveImage:         "ResolveImage",
	CmdGenerateMips:         "GenerateMips",
	CmdBeginQuery:           "BeginQuery",
	CmdEndQuery:             "EndQuery",
	CmdWriteTimestamp:       "WriteTimestamp",
	CmdResetQueryPool:       "ResetQueryPool",
	CmdCopyQueryResults:     "CopyQueryResults",
	CmdSetViewport:          "SetViewport",
	CmdSetScissor:           "SetScissor",
	CmdSetBlendConstants:    "SetBlendConstants",
	CmdSetStencilReference:  "SetStencilReference",
	CmdSetDepthBias:         "SetDepthBias",
	CmdSetDepthStencilState: "SetDepthStencilState",
	CmdPushConstants:        "PushConstants",
	CmdPipelineBarrier:      "PipelineBarrier",
	CmdSetEvent:             "SetEvent",
	CmdResetEvent:           "ResetEvent",
	CmdWaitEvents:           "WaitEvents",
	CmdExecuteSecondary:     "ExecuteSecondary",
	CmdBeginRenderPass:      "BeginRenderPass",
	CmdNextSubpass:          "NextSubpass",
	CmdEndRenderPass:        "EndRenderPass",
}

// String returns the string representation of a CommandType.
func (c CommandType) String() string {
	if int(c) < len(commandTypeNames) {
		return commandTypeNames[c]
	}
	return "Unknown"
}

// Command is the interface implemented by all command types.
// Commands are immutable once recorded and may be replayed any number of
// times.
type Command interface {
	// Type returns the CommandType for this command.
	Type() CommandType
}

// StateMask is a set of binding groups a command buffer sets.
type StateMask uint8

// Binding groups.
const (
	GroupGraphicsPipeline StateMask = 1 << iota
	GroupComputePipeline
	GroupVertexBuffers
	GroupIndexBuffer
	GroupGraphicsSets
	GroupComputeSets
)

// Has reports whether all groups in g are set.
func (m StateMask) Has(g StateMask) bool { return m&g == g }

// --------------------------------------------------------------------------
// Binding Commands
// --------------------------------------------------------------------------

// BindPipelineCommand binds a pipeline. State carries the dynamic values
// current when it was recorded.
type BindPipelineCommand struct {
	Pipeline *pipeline.Pipeline
	State    pipeline.State
}

// Type implements Command.
func (BindPipelineCommand) Type() CommandType { return CmdBindPipeline }

// BindVertexBuffersCommand binds vertex buffers from slot First. Strides
// are those of the graphics pipeline bound when it was recorded.
type BindVertexBuffersCommand struct {
	First   uint32
	Buffers []*memory.Buffer
	Offsets []uint32
	Strides []uint32
}

// Type implements Command.
func (BindVertexBuffersCommand) Type() CommandType { return CmdBindVertexBuffers }

// BindIndexBufferCommand binds an index buffer.
type BindIndexBufferCommand struct {
	Buffer *memory.Buffer
	Offset uint32
	Format gputypes.IndexFormat
}

// Type implements Command.
func (BindIndexBufferCommand) Type() CommandType { return CmdBindIndexBuffer }

// BindDescriptorSetsCommand binds sets from set index First. Dynamic holds
// the dynamic offsets of each set.
type BindDescriptorSetsCommand struct {
	Bind    pipeline.BindPoint
	Layout  *pipeline.Layout
	First   uint32
	Sets    []*pipeline.Set
	Dynamic [][]uint32
}

// Type implements Command.
func (BindDescriptorSetsCommand) Type() CommandType { return CmdBindDescriptorSets }

// --------------------------------------------------------------------------
// Work Commands
// --------------------------------------------------------------------------

// DrawCommand draws non-indexed vertices.
type DrawCommand struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// Type implements Command.
func (DrawCommand) Type() CommandType { return CmdDraw }

// DrawIndexedCommand draws indexed vertices.
type DrawIndexedCommand struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	VertexOffset  int32
	FirstInstance uint32
}

// Type implements Command.
func (DrawIndexedCommand) Type() CommandType { return CmdDrawIndexed }

// DrawIndirectCommand issues Count draws with arguments read from Buffer,
// Stride bytes apart.
type DrawIndirectCommand struct {
	Buffer *memory.Buffer
	Offset uint32
	Count  uint32
	Stride uint32
}

// Type implements Command.
func (DrawIndirectCommand) Type() CommandType { return CmdDrawIndirect }

// DrawIndexedIndirectCommand is DrawIndirectCommand for indexed draws.
type DrawIndexedIndirectCommand struct {
	Buffer *memory.Buffer
	Offset uint32
	Count  uint32
	Stride uint32
}

// Type implements Command.
func (DrawIndexedIndirectCommand) Type() CommandType { return CmdDrawIndexedIndirect }

// DispatchCommand dispatches compute work groups.
type DispatchCommand struct {
	X, Y, Z uint32
}

// Type implements Command.
func (DispatchCommand) Type() CommandType { return CmdDispatch }

// DispatchIndirectCommand dispatches with group counts read from Buffer.
type DispatchIndirectCommand struct {
	Buffer *memory.Buffer
	Offset uint32
}

// Type implements Command.
func (DispatchIndirectCommand) Type() CommandType { return CmdDispatchIndirect }

// --------------------------------------------------------------------------
// Transfer Commands
// --------------------------------------------------------------------------

// BufferCopy is one region of a buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// ImageSubresource selects one mip of a range of array layers.
type ImageSubresource struct {
	Mip        uint32
	BaseLayer  uint32
	LayerCount uint32
}

// ImageCopy is one region of an image copy.
type ImageCopy struct {
	Src       ImageSubresource
	SrcOffset gputypes.Origin3D
	Dst       ImageSubresource
	DstOffset gputypes.Origin3D
	Extent    gputypes.Extent3D
}

// BufferImageCopy is one region of a copy between a buffer and an image.
// Zero RowLength or ImageHeight mean tightly packed.
type BufferImageCopy struct {
	BufferOffset uint64
	RowLength    uint32
	ImageHeight  uint32
	Image        ImageSubresource
	Offset       gputypes.Origin3D
	Extent       gputypes.Extent3D
}

// SubresourceRange selects mips and layers of an image.
type SubresourceRange struct {
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// CopyBufferCommand copies regions between buffers.
type CopyBufferCommand struct {
	Src, Dst *memory.Buffer
	Regions  []BufferCopy
}

// Type implements Command.
func (CopyBufferCommand) Type() CommandType { return CmdCopyBuffer }

// CopyImageCommand copies regions between images.
type CopyImageCommand struct {
	Src, Dst *memory.Image
	Regions  []ImageCopy
}

// Type implements Command.
func (CopyImageCommand) Type() CommandType { return CmdCopyImage }

// CopyBufferToImageCommand copies buffer bytes into image regions.
type CopyBufferToImageCommand struct {
	Src     *memory.Buffer
	Dst     *memory.Image
	Regions []BufferImageCopy
}

// Type implements Command.
func (CopyBufferToImageCommand) Type() CommandType { return CmdCopyBufferToImage }

// CopyImageToBufferCommand copies image regions into a buffer.
type CopyImageToBufferCommand struct {
	Src     *memory.Image
	Dst     *memory.Buffer
	Regions []BufferImageCopy
}

// Type implements Command.
func (CopyImageToBufferCommand) Type() CommandType { return CmdCopyImageToBuffer }

// UpdateBufferCommand writes Data at Offset.
type UpdateBufferCommand struct {
	Dst    *memory.Buffer
	Offset uint64
	Data   []byte
}

// Type implements Command.
func (UpdateBufferCommand) Type() CommandType { return CmdUpdateBuffer }

// FillBufferCommand fills Size bytes at Offset with Value repeated.
type FillBufferCommand struct {
	Dst    *memory.Buffer
	Offset uint64
	Size   uint64
	Value  uint32
}

// Type implements Command.
func (FillBufferCommand) Type() CommandType { return CmdFillBuffer }

// ClearColorCommand clears ranges of a colour image.
type ClearColorCommand struct {
	Image  *memory.Image
	Color  f32.Vec4
	Ranges []SubresourceRange
}

// Type implements Command.
func (ClearColorCommand) Type() CommandType { return CmdClearColor }

// ClearDepthStencilCommand clears the aspects in Flags of ranges of a
// depth-stencil image.
type ClearDepthStencilCommand struct {
	Image   *memory.Image
	Flags   native.ClearFlags
	Depth   float32
	Stencil uint8
	Ranges  []SubresourceRange
}

// Type implements Command.
func (ClearDepthStencilCommand) Type() CommandType { return CmdClearDepthStencil }

// ClearAttachment is one attachment cleared inside a render pass. View is
// resolved from the framebuffer when recorded. Flags is zero for colour.
type ClearAttachment struct {
	View  *memory.ImageView
	Flags native.ClearFlags
	Value pass.ClearValue
}

// ClearAttachmentsCommand clears attachments of the current subpass.
// Native views are cleared whole; Rects are kept for inspection.
type ClearAttachmentsCommand struct {
	Attachments []ClearAttachment
	Rects       []native.Rect
}

// Type implements Command.
func (ClearAttachmentsCommand) Type() CommandType { return CmdClearAttachments }

// ImageResolve is one region of a resolve. Resolves cover whole
// subresources.
type ImageResolve struct {
	Src ImageSubresource
	Dst ImageSubresource
}

// ResolveImageCommand resolves a multisampled image.
type ResolveImageCommand struct {
	Src, Dst *memory.Image
	Regions  []ImageResolve
}

// Type implements Command.
func (ResolveImageCommand) Type() CommandType { return CmdResolveImage }

// GenerateMipsCommand fills the mip chain of View from its base mip.
type GenerateMipsCommand struct {
	View *memory.ImageView
}

// Type implements Command.
func (GenerateMipsCommand) Type() CommandType { return CmdGenerateMips }

// --------------------------------------------------------------------------
// Query Commands
// --------------------------------------------------------------------------

// BeginQueryCommand begins a query slot.
type BeginQueryCommand struct {
	Pool  *query.Pool
	Index uint32
}

// Type implements Command.
func (BeginQueryCommand) Type() CommandType { return CmdBeginQuery }

// EndQueryCommand ends a query slot.
type EndQueryCommand struct {
	Pool  *query.Pool
	Index uint32
}

// Type implements Command.
func (EndQueryCommand) Type() CommandType { return CmdEndQuery }

// WriteTimestampCommand writes a timestamp into a slot.
type WriteTimestampCommand struct {
	Pool  *query.Pool
	Index uint32
}

// Type implements Command.
func (WriteTimestampCommand) Type() CommandType { return CmdWriteTimestamp }

// ResetQueryPoolCommand resets query slots.
type ResetQueryPoolCommand struct {
	Pool         *query.Pool
	First, Count uint32
}

// Type implements Command.
func (ResetQueryPoolCommand) Type() CommandType { return CmdResetQueryPool }

// CopyQueryResultsCommand writes query results into a buffer.
type CopyQueryResultsCommand struct {
	Pool         *query.Pool
	First, Count uint32
	Dst          *memory.Buffer
	Offset       uint64
	Stride       uint64
	Flags        query.ResultFlags
}

// Type implements Command.
func (CopyQueryResultsCommand) Type() CommandType { return CmdCopyQueryResults }

// --------------------------------------------------------------------------
// Dynamic State Commands
// --------------------------------------------------------------------------

// SetViewportCommand sets every viewport. Viewports is the full array
// after the update was applied at record time.
type SetViewportCommand struct {
	Viewports []native.Viewport
}

// Type implements Command.
func (SetViewportCommand) Type() CommandType { return CmdSetViewport }

// SetScissorCommand sets every scissor rectangle.
type SetScissorCommand struct {
	Rects []native.Rect
}

// Type implements Command.
func (SetScissorCommand) Type() CommandType { return CmdSetScissor }

// SetBlendConstantsCommand rebinds the current pipeline's blend state with
// new constants.
type SetBlendConstantsCommand struct {
	Blend      native.BlendState
	Constants  f32.Vec4
	SampleMask uint32
}

// Type implements Command.
func (SetBlendConstantsCommand) Type() CommandType { return CmdSetBlendConstants }

// SetStencilReferenceCommand rebinds the current depth-stencil state with
// a new reference.
type SetStencilReferenceCommand struct {
	DepthStencil native.DepthStencilState
	Reference    uint32
}

// Type implements Command.
func (SetStencilReferenceCommand) Type() CommandType { return CmdSetStencilReference }

// SetDepthBiasCommand binds a rasterizer state carrying the new bias.
type SetDepthBiasCommand struct {
	Rasterizer native.RasterizerState
}

// Type implements Command.
func (SetDepthBiasCommand) Type() CommandType { return CmdSetDepthBias }

// SetDepthStencilStateCommand binds a depth-stencil state object.
type SetDepthStencilStateCommand struct {
	DepthStencil native.DepthStencilState
	Reference    uint32
}

// Type implements Command.
func (SetDepthStencilStateCommand) Type() CommandType { return CmdSetDepthStencilState }

// PushConstantsCommand uploads a push-constant staging snapshot into the
// buffer matched when it was recorded.
type PushConstantsCommand struct {
	Buffer *pipeline.PushBuffer
	Data   []byte
}

// Type implements Command.
func (PushConstantsCommand) Type() CommandType { return CmdPushConstants }

// --------------------------------------------------------------------------
// Synchronization Commands
// --------------------------------------------------------------------------

// PipelineBarrierCommand orders memory accesses. The immediate context
// executes in order, so it has no native effect.
type PipelineBarrierCommand struct{}

// Type implements Command.
func (PipelineBarrierCommand) Type() CommandType { return CmdPipelineBarrier }

// SetEventCommand sets an event.
type SetEventCommand struct {
	Event *syncobj.Event
}

// Type implements Command.
func (SetEventCommand) Type() CommandType { return CmdSetEvent }

// ResetEventCommand resets an event.
type ResetEventCommand struct {
	Event *syncobj.Event
}

// Type implements Command.
func (ResetEventCommand) Type() CommandType { return CmdResetEvent }

// WaitEventsCommand waits for events. Replay is in order, so an event that
// is not set when the wait replays can never become set by earlier work.
type WaitEventsCommand struct {
	Events []*syncobj.Event
}

// Type implements Command.
func (WaitEventsCommand) Type() CommandType { return CmdWaitEvents }

// --------------------------------------------------------------------------
// Nesting and Render Pass Commands
// --------------------------------------------------------------------------

// ExecuteSecondaryCommand replays clones of secondary command buffers
// taken when it was recorded.
type ExecuteSecondaryCommand struct {
	Buffers []*CommandBuffer
}

// Type implements Command.
func (ExecuteSecondaryCommand) Type() CommandType { return CmdExecuteSecondary }

// BeginRenderPassCommand begins subpass 0 of a render pass.
type BeginRenderPassCommand struct {
	Pass        *pass.RenderPass
	Framebuffer *pass.Framebuffer
	Clears      []pass.ClearValue
}

// Type implements Command.
func (BeginRenderPassCommand) Type() CommandType { return CmdBeginRenderPass }

// NextSubpassCommand ends subpass Subpass-1 and begins Subpass.
type NextSubpassCommand struct {
	Pass        *pass.RenderPass
	Framebuffer *pass.Framebuffer
	Subpass     int
	Clears      []pass.ClearValue
}

// Type implements Command.
func (NextSubpassCommand) Type() CommandType { return CmdNextSubpass }

// EndRenderPassCommand ends the last subpass and unbinds the targets.
type EndRenderPassCommand struct {
	Pass        *pass.RenderPass
	Framebuffer *pass.Framebuffer
	Subpass     int
}

// Type implements Command.
func (EndRenderPassCommand) Type() CommandType { return CmdEndRenderPass }
