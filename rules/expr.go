package rules

import (
	"bytes"

	"github.com/glaslos/tlsh"
)

// evalContext carries per-scan state shared by every rule's condition.
type evalContext struct {
	data []byte
	hits []bool
	// fileSize is the size of the whole target; data may hold only a prefix.
	fileSize int64

	sha256Hex  func() string
	tlshDigest func() *tlsh.TLSH
}

func (ctx *evalContext) truncated() bool {
	return ctx.fileSize > int64(len(ctx.data))
}

type expr interface {
	eval(ctx *evalContext, r *compiledRule) bool
}

type boolExpr bool

func (e boolExpr) eval(*evalContext, *compiledRule) bool { return bool(e) }

type orExpr struct{ left, right expr }

func (e orExpr) eval(ctx *evalContext, r *compiledRule) bool {
	return e.left.eval(ctx, r) || e.right.eval(ctx, r)
}

type andExpr struct{ left, right expr }

func (e andExpr) eval(ctx *evalContext, r *compiledRule) bool {
	return e.left.eval(ctx, r) && e.right.eval(ctx, r)
}

type notExpr struct{ inner expr }

func (e notExpr) eval(ctx *evalContext, r *compiledRule) bool {
	return !e.inner.eval(ctx, r)
}

type stringExpr struct{ index int }

func (e stringExpr) eval(ctx *evalContext, r *compiledRule) bool {
	return ctx.hits[r.hitBase+e.index]
}

type stringAtExpr struct {
	index  int
	offset int64
}

func (e stringAtExpr) eval(ctx *evalContext, r *compiledRule) bool {
	if !ctx.hits[r.hitBase+e.index] {
		return false
	}
	def := r.rule.strings[e.index]
	for _, variant := range variants(def) {
		if e.offset > int64(len(ctx.data))-int64(len(variant)) {
			continue
		}
		window := ctx.data[e.offset : e.offset+int64(len(variant))]
		if def.nocase {
			if bytes.Equal(asciiLower(window), variant) {
				return true
			}
		} else if bytes.Equal(window, variant) {
			return true
		}
	}
	return false
}

type quantifier int

const (
	quantAny quantifier = iota
	quantAll
	quantCount
)

type ofExpr struct {
	quantifier quantifier
	count      int
	set        []int
}

func (e ofExpr) eval(ctx *evalContext, r *compiledRule) bool {
	matched := 0
	for _, idx := range e.set {
		if ctx.hits[r.hitBase+idx] {
			matched++
		}
	}
	switch e.quantifier {
	case quantAny:
		return matched > 0
	case quantAll:
		return matched == len(e.set)
	default:
		return matched >= e.count
	}
}

type filesizeExpr struct {
	op    tokenKind
	value int64
}

func (e filesizeExpr) eval(ctx *evalContext, _ *compiledRule) bool {
	return compare(ctx.fileSize, e.op, e.value)
}

type hashExpr struct{ digest string }

// A digest over a truncated sample never equals the digest of the whole
// file, so hash conditions are false when data is only a prefix.
func (e hashExpr) eval(ctx *evalContext, _ *compiledRule) bool {
	if ctx.sha256Hex == nil || ctx.truncated() {
		return false
	}
	return ctx.sha256Hex() == e.digest
}

type tlshExpr struct {
	ref         *tlsh.TLSH
	maxDistance int
}

func (e tlshExpr) eval(ctx *evalContext, _ *compiledRule) bool {
	if ctx.tlshDigest == nil {
		return false
	}
	digest := ctx.tlshDigest()
	if digest == nil {
		return false
	}
	return digest.Diff(e.ref) <= e.maxDistance
}

func compare(left int64, op tokenKind, right int64) bool {
	switch op {
	case tokEq:
		return left == right
	case tokLt:
		return left < right
	case tokLe:
		return left <= right
	case tokGt:
		return left > right
	case tokGe:
		return left >= right
	}
	return false
}

// walkExpr visits every node of a condition tree.
func walkExpr(e expr, fn func(expr)) {
	fn(e)
	switch v := e.(type) {
	case orExpr:
		walkExpr(v.left, fn)
		walkExpr(v.right, fn)
	case andExpr:
		walkExpr(v.left, fn)
		walkExpr(v.right, fn)
	case notExpr:
		walkExpr(v.inner, fn)
	}
}

// variants returns the byte sequences searched for a string definition.
// nocase variants are already lower-cased.
func variants(def stringDef) [][]byte {
	base := def.data
	if def.nocase {
		base = asciiLower(base)
	}
	var out [][]byte
	if def.ascii {
		out = append(out, base)
	}
	if def.wide {
		wide := make([]byte, 0, len(base)*2)
		for _, b := range base {
			wide = append(wide, b, 0)
		}
		out = append(out, wide)
	}
	return out
}

// asciiLower folds A-Z only, keeping the length of arbitrary binary input.
func asciiLower(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return out
}
