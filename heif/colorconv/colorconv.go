// Package colorconv converts pixel images between colorspaces, chroma
// layouts, bit depths and alpha presence.
//
// A conversion is planned as the cheapest chain of operators leading from
// the state of the input image to the requested state. The operators come
// from an OperatorTable, which is immutable once built and may be shared
// between goroutines.
package colorconv

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// State is a vertex of the conversion graph.
type State struct {
	Colorspace pixel.Colorspace
	Chroma     pixel.Chroma
	HasAlpha   bool
	BitDepth   int
	// Matrix and FullRange only apply to YCbCr states.
	Matrix    uint16
	FullRange bool
}

func (s State) normalized() State {
	if s.Colorspace != pixel.ColorspaceYCbCr {
		s.Matrix, s.FullRange = 0, false
	}
	return s
}

func (s State) String() string {
	a := ""
	if s.HasAlpha {
		a = "+alpha"
	}
	if s.Colorspace == pixel.ColorspaceYCbCr {
		r := "limited"
		if s.FullRange {
			r = "full"
		}
		return fmt.Sprintf("%s %s%s %d bit (matrix %d, %s)", s.Colorspace, s.Chroma, a, s.BitDepth, s.Matrix, r)
	}
	return fmt.Sprintf("%s %s%s %d bit", s.Colorspace, s.Chroma, a, s.BitDepth)
}

// StateOf returns the state of img. YCbCr images without an NCLX profile
// are taken to use the sRGB defaults.
func StateOf(img *pixel.Image) State {
	s := State{
		Colorspace: img.Colorspace(),
		Chroma:     img.Chroma(),
		HasAlpha:   img.HasAlpha(),
		BitDepth:   img.BitDepth(mainChannel(img.Colorspace(), img.Chroma())),
	}
	nclx := img.NCLX
	if nclx == nil {
		nclx = colorprofile.SRGB()
	}
	s.Matrix, s.FullRange = nclx.MatrixCoefficients, nclx.FullRange
	return s.normalized()
}

func mainChannel(cs pixel.Colorspace, chroma pixel.Chroma) pixel.Channel {
	switch {
	case chroma.Interleaved():
		return pixel.ChannelInterleaved
	case cs == pixel.ColorspaceRGB:
		return pixel.ChannelG
	}
	return pixel.ChannelY
}

type ChromaUpsampling int

const (
	UpsamplingBilinear ChromaUpsampling = iota
	UpsamplingNearest
)

type ChromaDownsampling int

const (
	DownsamplingAverage ChromaDownsampling = iota
	DownsamplingNearest
)

// Options select between equivalent operators. The zero value prefers
// averaging downsampling and bilinear upsampling.
type Options struct {
	Upsampling   ChromaUpsampling
	Downsampling ChromaDownsampling
	// OnlyPreferred excludes the algorithms that were not chosen above.
	OnlyPreferred bool
}

// Operator costs. They only order the alternatives.
const (
	CostTrivial  = 1
	CostFast     = 2
	CostMedium   = 4
	CostSlow     = 8
	CostVerySlow = 16
)

// Edge is a state reachable through one operator application.
type Edge struct {
	State State
	Cost  int
}

// Operator is one conversion step.
type Operator interface {
	Name() string
	// StateAfter returns the states the operator can produce from in,
	// given the final target of the search.
	StateAfter(in, target State, opts Options) []Edge
	// Convert transforms img, which is in state in, into state out. The
	// input image is not modified.
	Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error)
}

// OperatorTable is an immutable set of operators.
type OperatorTable struct {
	ops []Operator
}

// NewOperatorTable returns a table holding ops, in search order.
func NewOperatorTable(ops ...Operator) *OperatorTable {
	return &OperatorTable{ops: append([]Operator(nil), ops...)}
}

// DefaultOperators returns a table with every built-in operator.
func DefaultOperators() *OperatorTable {
	return NewOperatorTable(
		chromaUpsample{nearest: true},
		chromaUpsample{},
		chromaDownsample{nearest: true},
		chromaDownsample{},
		ycbcrToRGB{},
		rgbToYCbCr{},
		rgbInterleave{},
		rgbDeinterleave{},
		bitDepth{},
		monoToYCbCr{},
		monoToRGB{},
		ycbcrToMono{},
		addAlpha{},
		dropAlpha{},
	)
}

// Operators returns the operators of the table.
func (t *OperatorTable) Operators() []Operator { return append([]Operator(nil), t.ops...) }

type step struct {
	op       Operator
	from, to State
}

// Pipeline is a planned sequence of conversion steps.
type Pipeline struct {
	steps []step
	opts  Options
}

// Len returns the number of steps; 0 means the input already matches.
func (p *Pipeline) Len() int { return len(p.steps) }

func (p *Pipeline) String() string {
	if len(p.steps) == 0 {
		return "(identity)"
	}
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.op.Name()
	}
	return strings.Join(names, " -> ")
}

type node struct {
	state State
	cost  int
	seq   int
}

type frontier []*node

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].cost != f[j].cost {
		return f[i].cost < f[j].cost
	}
	return f[i].seq < f[j].seq
}
func (f frontier) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x interface{}) { *f = append(*f, x.(*node)) }
func (f *frontier) Pop() interface{} {
	old := *f
	n := old[len(old)-1]
	*f = old[:len(old)-1]
	return n
}

// BuildPipeline searches the cheapest operator chain from in to target.
// It returns an UnsupportedColorConversion error if target is unreachable.
func (t *OperatorTable) BuildPipeline(in, target State, opts Options) (*Pipeline, error) {
	in, target = in.normalized(), target.normalized()

	type parent struct {
		from State
		op   Operator
	}
	dist := map[State]int{in: 0}
	parents := map[State]parent{}
	done := map[State]bool{}
	seq := 0
	f := &frontier{{state: in}}

	for f.Len() > 0 {
		n := heap.Pop(f).(*node)
		if done[n.state] {
			continue
		}
		done[n.state] = true

		if n.state == target {
			var steps []step
			for s := target; s != in; {
				p := parents[s]
				steps = append(steps, step{op: p.op, from: p.from, to: s})
				s = p.from
			}
			for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
				steps[i], steps[j] = steps[j], steps[i]
			}
			return &Pipeline{steps: steps, opts: opts}, nil
		}

		for _, op := range t.ops {
			for _, e := range op.StateAfter(n.state, target, opts) {
				s := e.State.normalized()
				if done[s] {
					continue
				}
				c := n.cost + e.Cost
				if d, ok := dist[s]; ok && d <= c {
					continue
				}
				dist[s] = c
				parents[s] = parent{from: n.state, op: op}
				seq++
				heap.Push(f, &node{state: s, cost: c, seq: seq})
			}
		}
	}
	return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion,
		"no conversion from %v to %v", in, target)
}

// Convert runs the pipeline on img. The metadata of img is carried to the
// result of every step.
func (p *Pipeline) Convert(img *pixel.Image) (*pixel.Image, error) {
	cur := img
	for _, s := range p.steps {
		out, err := s.op.Convert(cur, s.from, s.to, p.opts)
		if err != nil {
			if cur != img {
				cur.Release()
			}
			return nil, fmt.Errorf("colorconv: %s: %w", s.op.Name(), err)
		}
		if out != cur {
			out.CopyMetadata(cur)
			if cur != img {
				cur.Release()
			}
		}
		cur = out
	}
	return cur, nil
}

// Convert converts img to target with the operators of t. A zero
// target.BitDepth keeps the bit depth of img.
func (t *OperatorTable) Convert(img *pixel.Image, target State, opts Options) (*pixel.Image, error) {
	in := StateOf(img)
	if target.BitDepth == 0 {
		target.BitDepth = in.BitDepth
	}
	p, err := t.BuildPipeline(in, target, opts)
	if err != nil {
		return nil, err
	}
	return p.Convert(img)
}
