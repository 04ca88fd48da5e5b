// Package shader defines the cross-compiler collaborator: portable shader
// module in, native shader source plus a reflected binding layout out.
//
// Implementations live in subpackages; wgslc compiles WGSL through naga.
package shader

import (
	"errors"

	"github.com/gogpu/explicit/native"
)

// Compiler errors.
var (
	// ErrEntryPoint is returned when the requested entry point does not exist.
	ErrEntryPoint = errors.New("shader: entry point not found")

	// ErrStage is returned when the entry point belongs to another stage.
	ErrStage = errors.New("shader: entry point stage mismatch")

	// ErrEmptyModule is returned for a request without module bytes.
	ErrEmptyModule = errors.New("shader: empty module")
)

// Class is a native register class.
type Class uint8

// Register classes.
const (
	// ClassConstant is a constant buffer register (b).
	ClassConstant Class = iota
	// ClassResource is a read-only resource register (t).
	ClassResource
	// ClassSampler is a sampler register (s).
	ClassSampler
	// ClassUnordered is a read-write resource register (u).
	ClassUnordered

	// NumClasses is the number of register classes.
	NumClasses = 4
)

var classPrefixes = [...]string{"b", "t", "s", "u"}

// String returns the HLSL register prefix of the class.
func (c Class) String() string {
	if int(c) < len(classPrefixes) {
		return classPrefixes[c]
	}
	return "?"
}

// Binding identifies a resource by descriptor set and binding number.
type Binding struct {
	Group   uint32
	Binding uint32
}

// Register is a native register slot.
type Register struct {
	Class Class
	Index uint32
}

// Request is a compilation request for one entry point.
type Request struct {
	// Module is the portable shader module.
	Module []byte
	// EntryPoint names the function to compile.
	EntryPoint string
	// Stage is the stage the entry point must belong to.
	Stage native.Stage
	// Bindings assigns native registers to resource bindings. Resources
	// missing from the map keep their binding number as register index.
	Bindings map[Binding]Register
}

// Input is one vertex shader input.
type Input struct {
	Location uint32
	Semantic native.Semantic
}

// Resource is one reflected resource binding.
type Resource struct {
	Name    string
	Binding Binding
	Register
}

// ConstantBlock is a reflected constant buffer. Anonymous blocks are push
// constants: they have no resource binding in the module.
type ConstantBlock struct {
	Name      string
	Register  uint32
	Size      uint32
	Anonymous bool
}

// Reflection is the binding layout of a compiled entry point.
type Reflection struct {
	Inputs         []Input
	Resources      []Resource
	ConstantBlocks []ConstantBlock
}

// Anonymous returns the push-constant blocks.
func (r *Reflection) Anonymous() []ConstantBlock {
	var out []ConstantBlock
	for _, b := range r.ConstantBlocks {
		if b.Anonymous {
			out = append(out, b)
		}
	}
	return out
}

// Semantics returns the input semantics in declaration order.
func (r *Reflection) Semantics() []native.Semantic {
	out := make([]native.Semantic, len(r.Inputs))
	for i, in := range r.Inputs {
		out[i] = in.Semantic
	}
	return out
}

// Output is a compiled entry point.
type Output struct {
	// Source is the native shader source.
	Source string
	// EntryPoint is the entry point name inside Source.
	EntryPoint string
	Reflection Reflection
}

// Compiler translates portable shader modules to native source.
//
// Implementations must be safe for concurrent use.
type Compiler interface {
	Compile(req Request) (*Output, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(req Request) (*Output, error)

// Compile calls f(req).
func (f CompilerFunc) Compile(req Request) (*Output, error) { return f(req) }
