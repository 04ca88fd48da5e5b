package native

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"
)

// Block describes the storage unit of a texture format. Uncompressed
// formats have a 1x1 block.
type Block struct {
	Size   uint32
	Width  uint32
	Height uint32
}

var formatBlocks = map[gputypes.TextureFormat]Block{
	gputypes.TextureFormatR8Unorm:  {1, 1, 1},
	gputypes.TextureFormatR8Snorm:  {1, 1, 1},
	gputypes.TextureFormatR8Uint:   {1, 1, 1},
	gputypes.TextureFormatR8Sint:   {1, 1, 1},
	gputypes.TextureFormatStencil8: {1, 1, 1},

	gputypes.TextureFormatR16Unorm:     {2, 1, 1},
	gputypes.TextureFormatR16Snorm:     {2, 1, 1},
	gputypes.TextureFormatR16Uint:      {2, 1, 1},
	gputypes.TextureFormatR16Sint:      {2, 1, 1},
	gputypes.TextureFormatR16Float:     {2, 1, 1},
	gputypes.TextureFormatRG8Unorm:     {2, 1, 1},
	gputypes.TextureFormatRG8Snorm:     {2, 1, 1},
	gputypes.TextureFormatRG8Uint:      {2, 1, 1},
	gputypes.TextureFormatRG8Sint:      {2, 1, 1},
	gputypes.TextureFormatDepth16Unorm: {2, 1, 1},

	gputypes.TextureFormatR32Float:             {4, 1, 1},
	gputypes.TextureFormatR32Uint:              {4, 1, 1},
	gputypes.TextureFormatR32Sint:              {4, 1, 1},
	gputypes.TextureFormatRG16Unorm:            {4, 1, 1},
	gputypes.TextureFormatRG16Snorm:            {4, 1, 1},
	gputypes.TextureFormatRG16Uint:             {4, 1, 1},
	gputypes.TextureFormatRG16Sint:             {4, 1, 1},
	gputypes.TextureFormatRG16Float:            {4, 1, 1},
	gputypes.TextureFormatRGBA8Unorm:           {4, 1, 1},
	gputypes.TextureFormatRGBA8UnormSrgb:       {4, 1, 1},
	gputypes.TextureFormatRGBA8Snorm:           {4, 1, 1},
	gputypes.TextureFormatRGBA8Uint:            {4, 1, 1},
	gputypes.TextureFormatRGBA8Sint:            {4, 1, 1},
	gputypes.TextureFormatBGRA8Unorm:           {4, 1, 1},
	gputypes.TextureFormatBGRA8UnormSrgb:       {4, 1, 1},
	gputypes.TextureFormatRGB10A2Uint:          {4, 1, 1},
	gputypes.TextureFormatRGB10A2Unorm:         {4, 1, 1},
	gputypes.TextureFormatRG11B10Ufloat:        {4, 1, 1},
	gputypes.TextureFormatRGB9E5Ufloat:         {4, 1, 1},
	gputypes.TextureFormatDepth24Plus:          {4, 1, 1},
	gputypes.TextureFormatDepth24PlusStencil8:  {4, 1, 1},
	gputypes.TextureFormatDepth32Float:         {4, 1, 1},
	gputypes.TextureFormatDepth32FloatStencil8: {8, 1, 1},

	gputypes.TextureFormatRG32Float:        {8, 1, 1},
	gputypes.TextureFormatRG32Uint:         {8, 1, 1},
	gputypes.TextureFormatRG32Sint:         {8, 1, 1},
	gputypes.TextureFormatRGBA16Unorm:      {8, 1, 1},
	gputypes.TextureFormatRGBA16Snorm:      {8, 1, 1},
	gputypes.TextureFormatRGBA16Uint:       {8, 1, 1},
	gputypes.TextureFormatRGBA16Sint:       {8, 1, 1},
	gputypes.TextureFormatRGBA16Float:      {8, 1, 1},
	gputypes.TextureFormatRGBA32Float:      {16, 1, 1},
	gputypes.TextureFormatRGBA32Uint:       {16, 1, 1},
	gputypes.TextureFormatRGBA32Sint:       {16, 1, 1},
	gputypes.TextureFormatBC1RGBAUnorm:     {8, 4, 4},
	gputypes.TextureFormatBC1RGBAUnormSrgb: {8, 4, 4},
	gputypes.TextureFormatBC2RGBAUnorm:     {16, 4, 4},
	gputypes.TextureFormatBC2RGBAUnormSrgb: {16, 4, 4},
	gputypes.TextureFormatBC3RGBAUnorm:     {16, 4, 4},
	gputypes.TextureFormatBC3RGBAUnormSrgb: {16, 4, 4},
	gputypes.TextureFormatBC4RUnorm:        {8, 4, 4},
	gputypes.TextureFormatBC4RSnorm:        {8, 4, 4},
	gputypes.TextureFormatBC5RGUnorm:       {16, 4, 4},
	gputypes.TextureFormatBC5RGSnorm:       {16, 4, 4},
}

// FormatInfo returns the block layout of format.
func FormatInfo(format gputypes.TextureFormat) (Block, bool) {
	b, ok := formatBlocks[format]
	return b, ok
}

// RowPitch returns the tightly packed byte size of one row of blocks.
func RowPitch(format gputypes.TextureFormat, width uint32) uint32 {
	b, ok := formatBlocks[format]
	if !ok {
		return 0
	}
	return (width + b.Width - 1) / b.Width * b.Size
}

// RowCount returns the number of block rows covering height texels.
func RowCount(format gputypes.TextureFormat, height uint32) uint32 {
	b, ok := formatBlocks[format]
	if !ok {
		return 0
	}
	return (height + b.Height - 1) / b.Height
}

// SubresourceSize returns the tightly packed size of one mip level of one
// layer of a texture.
func SubresourceSize(desc TextureDesc, mip uint32) uint64 {
	w, h, d := desc.MipExtent(mip)
	return uint64(RowPitch(desc.Format, w)) * uint64(RowCount(desc.Format, h)) * uint64(d)
}

// HasStencil reports whether format carries a stencil aspect.
func HasStencil(format gputypes.TextureFormat) bool {
	switch format {
	case gputypes.TextureFormatStencil8,
		gputypes.TextureFormatDepth24PlusStencil8,
		gputypes.TextureFormatDepth32FloatStencil8:
		return true
	}
	return false
}

// EncodeColor packs a clear colour into one texel of format.
// It returns false for formats that cannot be cleared as colour.
func EncodeColor(format gputypes.TextureFormat, c f32.Vec4) ([]byte, bool) {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return []byte{unorm8(c[0])}, true
	case gputypes.TextureFormatRG8Unorm:
		return []byte{unorm8(c[0]), unorm8(c[1])}, true
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
		return []byte{unorm8(c[0]), unorm8(c[1]), unorm8(c[2]), unorm8(c[3])}, true
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return []byte{unorm8(c[2]), unorm8(c[1]), unorm8(c[0]), unorm8(c[3])}, true
	case gputypes.TextureFormatR8Uint:
		return []byte{byte(c[0])}, true
	case gputypes.TextureFormatRGBA8Uint:
		return []byte{byte(c[0]), byte(c[1]), byte(c[2]), byte(c[3])}, true
	case gputypes.TextureFormatR16Float:
		return binary.LittleEndian.AppendUint16(nil, half(c[0])), true
	case gputypes.TextureFormatRG16Float:
		out := binary.LittleEndian.AppendUint16(nil, half(c[0]))
		return binary.LittleEndian.AppendUint16(out, half(c[1])), true
	case gputypes.TextureFormatRGBA16Float:
		var out []byte
		for _, v := range c {
			out = binary.LittleEndian.AppendUint16(out, half(v))
		}
		return out, true
	case gputypes.TextureFormatR32Float:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(c[0])), true
	case gputypes.TextureFormatRG32Float:
		out := binary.LittleEndian.AppendUint32(nil, math.Float32bits(c[0]))
		return binary.LittleEndian.AppendUint32(out, math.Float32bits(c[1])), true
	case gputypes.TextureFormatRGBA32Float:
		var out []byte
		for _, v := range c {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
		return out, true
	case gputypes.TextureFormatR32Uint:
		return binary.LittleEndian.AppendUint32(nil, uint32(c[0])), true
	case gputypes.TextureFormatRGBA32Uint:
		var out []byte
		for _, v := range c {
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		}
		return out, true
	}
	return nil, false
}

// EncodeDepthStencil writes depth and/or stencil into one texel of a
// depth-stencil format, preserving the aspect not selected by flags.
func EncodeDepthStencil(format gputypes.TextureFormat, texel []byte, flags ClearFlags, depth float32, stencil uint8) bool {
	depth = min(max(depth, 0), 1)
	switch format {
	case gputypes.TextureFormatDepth16Unorm:
		if flags&ClearDepth != 0 {
			binary.LittleEndian.PutUint16(texel, uint16(depth*math.MaxUint16+0.5))
		}
	case gputypes.TextureFormatDepth32Float:
		if flags&ClearDepth != 0 {
			binary.LittleEndian.PutUint32(texel, math.Float32bits(depth))
		}
	case gputypes.TextureFormatDepth24Plus, gputypes.TextureFormatDepth24PlusStencil8:
		v := binary.LittleEndian.Uint32(texel)
		if flags&ClearDepth != 0 {
			v = v&0xFF000000 | uint32(float64(depth)*0xFFFFFF+0.5)
		}
		if flags&ClearStencil != 0 && format == gputypes.TextureFormatDepth24PlusStencil8 {
			v = v&0x00FFFFFF | uint32(stencil)<<24
		}
		binary.LittleEndian.PutUint32(texel, v)
	case gputypes.TextureFormatDepth32FloatStencil8:
		if flags&ClearDepth != 0 {
			binary.LittleEndian.PutUint32(texel, math.Float32bits(depth))
		}
		if flags&ClearStencil != 0 {
			texel[4] = stencil
		}
	case gputypes.TextureFormatStencil8:
		if flags&ClearStencil != 0 {
			texel[0] = stencil
		}
	default:
		return false
	}
	return true
}

func unorm8(v float32) byte {
	v = min(max(v, 0), 1)
	return byte(v*255 + 0.5)
}

// half converts to IEEE 754 binary16, rounding toward zero.
func half(v float32) uint16 {
	b := math.Float32bits(v)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23&0xFF) - 127 + 15
	mant := b & 0x7FFFFF
	switch {
	case b&0x7FFFFFFF == 0:
		return sign
	case exp >= 0x1F:
		if b&0x7F800000 == 0x7F800000 && mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		return sign | uint16(mant>>uint32(14-exp))
	}
	return sign | uint16(exp)<<10 | uint16(mant>>13)
}
