// Package wgslc implements shader.Compiler with naga: WGSL is parsed and
// lowered to naga IR, the requested entry point is emitted as HLSL with the
// caller's register map, and the IR globals are reflected into the binding
// layout.
package wgslc

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/shader"
)

// Compiler compiles WGSL modules. Lowered modules are cached by source hash,
// so compiling several entry points of one module parses it once.
//
// Compiler is safe for concurrent use; compilations are serialized.
type Compiler struct {
	mu      sync.Mutex
	modules map[uint64]*ir.Module

	hits, misses int
}

var _ shader.Compiler = (*Compiler)(nil)

// New returns an empty compiler.
func New() *Compiler {
	return &Compiler{modules: make(map[uint64]*ir.Module)}
}

// Stats returns module cache hits and misses.
func (c *Compiler) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Compiler) lower(src []byte) (*ir.Module, error) {
	h := fnv.New64a()
	h.Write(src)
	key := h.Sum64()
	if m, ok := c.modules[key]; ok {
		c.hits++
		return m, nil
	}
	c.misses++
	ast, err := naga.Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("wgslc: %w", err)
	}
	m, err := naga.LowerWithSource(ast, string(src))
	if err != nil {
		return nil, fmt.Errorf("wgslc: lower: %w", err)
	}
	c.modules[key] = m
	return m, nil
}

func stageOf(s native.Stage) ir.ShaderStage {
	switch s {
	case native.StagePixel:
		return ir.StageFragment
	case native.StageCompute:
		return ir.StageCompute
	}
	return ir.StageVertex
}

// Compile implements shader.Compiler.
func (c *Compiler) Compile(req shader.Request) (*shader.Output, error) {
	if len(req.Module) == 0 {
		return nil, shader.ErrEmptyModule
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.lower(req.Module)
	if err != nil {
		return nil, err
	}
	var ep *ir.EntryPoint
	for i := range m.EntryPoints {
		if m.EntryPoints[i].Name == req.EntryPoint {
			ep = &m.EntryPoints[i]
			break
		}
	}
	if ep == nil {
		return nil, fmt.Errorf("%w: %q", shader.ErrEntryPoint, req.EntryPoint)
	}
	if ep.Stage != stageOf(req.Stage) {
		return nil, fmt.Errorf("%w: %q is not a %v entry point", shader.ErrStage, req.EntryPoint, req.Stage)
	}

	bindings := make(map[hlsl.ResourceBinding]hlsl.BindTarget, len(req.Bindings))
	for b, r := range req.Bindings {
		bindings[hlsl.ResourceBinding{Group: b.Group, Binding: b.Binding}] = hlsl.BindTarget{Register: r.Index}
	}
	src, info, err := hlsl.Compile(m, &hlsl.Options{
		ShaderModel:         hlsl.ShaderModel5_0,
		BindingMap:          bindings,
		FakeMissingBindings: true,
		EntryPoint:          req.EntryPoint,
	})
	if err != nil {
		return nil, fmt.Errorf("wgslc: hlsl: %w", err)
	}
	name := req.EntryPoint
	if info != nil {
		if n, ok := info.EntryPointNames[req.EntryPoint]; ok {
			name = n
		}
	}
	return &shader.Output{
		Source:     src,
		EntryPoint: name,
		Reflection: reflect(m, ep, req.Bindings),
	}, nil
}

func reflect(m *ir.Module, ep *ir.EntryPoint, regs map[shader.Binding]shader.Register) shader.Reflection {
	var r shader.Reflection
	if ep.Stage == ir.StageVertex {
		r.Inputs = inputs(m, ep)
	}
	for _, g := range m.GlobalVariables {
		if g.Space == ir.SpaceImmediate || g.Space == ir.SpacePushConstant {
			r.ConstantBlocks = append(r.ConstantBlocks, shader.ConstantBlock{
				Name:      g.Name,
				Size:      typeSize(m, g.Type),
				Anonymous: true,
			})
			continue
		}
		if g.Binding == nil {
			continue
		}
		class, ok := classOf(m, g)
		if !ok {
			continue
		}
		b := shader.Binding{Group: g.Binding.Group, Binding: g.Binding.Binding}
		reg, mapped := regs[b]
		if !mapped {
			reg = shader.Register{Class: class, Index: b.Binding}
		}
		r.Resources = append(r.Resources, shader.Resource{Name: g.Name, Binding: b, Register: reg})
		if class == shader.ClassConstant {
			r.ConstantBlocks = append(r.ConstantBlocks, shader.ConstantBlock{
				Name:     g.Name,
				Register: reg.Index,
				Size:     typeSize(m, g.Type),
			})
		}
	}
	return r
}

// inputs collects location-bound arguments, flattening struct arguments.
func inputs(m *ir.Module, ep *ir.EntryPoint) []shader.Input {
	var out []shader.Input
	add := func(b ir.Binding) {
		if loc, ok := b.(ir.LocationBinding); ok {
			out = append(out, shader.Input{
				Location: loc.Location,
				Semantic: native.Semantic{Name: "LOC", Index: loc.Location},
			})
		}
	}
	for _, arg := range ep.Function.Arguments {
		if arg.Binding != nil {
			add(*arg.Binding)
			continue
		}
		if int(arg.Type) >= len(m.Types) {
			continue
		}
		if st, ok := m.Types[arg.Type].Inner.(ir.StructType); ok {
			for _, mem := range st.Members {
				if mem.Binding != nil {
					add(*mem.Binding)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

func classOf(m *ir.Module, g ir.GlobalVariable) (shader.Class, bool) {
	switch g.Space {
	case ir.SpaceUniform:
		return shader.ClassConstant, true
	case ir.SpaceStorage:
		if g.Access == ir.StorageRead {
			return shader.ClassResource, true
		}
		return shader.ClassUnordered, true
	case ir.SpaceHandle:
		if int(g.Type) >= len(m.Types) {
			return 0, false
		}
		inner := m.Types[g.Type].Inner
		if arr, ok := inner.(ir.BindingArrayType); ok && int(arr.Base) < len(m.Types) {
			inner = m.Types[arr.Base].Inner
		}
		switch t := inner.(type) {
		case ir.SamplerType:
			return shader.ClassSampler, true
		case ir.ImageType:
			if t.Class == ir.ImageClassStorage && t.StorageAccess != ir.StorageAccessRead {
				return shader.ClassUnordered, true
			}
			return shader.ClassResource, true
		}
	}
	return 0, false
}

func typeSize(m *ir.Module, h ir.TypeHandle) uint32 {
	if int(h) >= len(m.Types) {
		return 0
	}
	switch t := m.Types[h].Inner.(type) {
	case ir.StructType:
		return t.Span
	case ir.ScalarType:
		return uint32(t.Width)
	case ir.VectorType:
		return uint32(t.Size) * uint32(t.Scalar.Width)
	case ir.MatrixType:
		rows := uint32(t.Rows)
		if rows == 3 {
			rows = 4
		}
		return uint32(t.Columns) * rows * uint32(t.Scalar.Width)
	case ir.ArrayType:
		if t.Size.Constant != nil {
			return *t.Size.Constant * t.Stride
		}
	}
	return 0
}
