package rules

import (
	"fmt"
	"strings"

	"github.com/glaslos/tlsh"
)

// MaxAtOffset bounds the offset of an "at" condition. It matches the
// largest sample the scanner reads.
const MaxAtOffset = 64 << 20

// CompileError reports a rule source that could not be compiled.
type CompileError struct {
	File string
	Line int
	Msg  string
}

func (e *CompileError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("rule compilation failed: line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("rule compilation failed: %s:%d: %s", e.File, e.Line, e.Msg)
}

type stringDef struct {
	id     string
	data   []byte
	nocase bool
	wide   bool
	ascii  bool
}

// Rule is a compiled rule.
type Rule struct {
	Name      string
	Namespace string
	Tags      []string
	Meta      map[string]interface{}
	Private   bool

	strings []stringDef
	cond    expr
}

type parser struct {
	lex *lexer
	tok token
	ns  string
}

func parseSource(file, namespace, src string) ([]*Rule, error) {
	p := &parser{lex: newLexer(file, src), ns: namespace}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var out []*Rule
	seen := map[string]bool{}
	for p.tok.kind != tokEOF {
		if p.isKeyword("import") {
			if err := p.parseImport(); err != nil {
				return nil, err
			}
			continue
		}
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, p.errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return p.lex.errorf(p.tok.line, format, args...)
}

func (p *parser) isKeyword(word string) bool {
	return p.tok.kind == tokIdent && p.tok.text == word
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if p.tok.kind != kind {
		return token{}, p.errorf("expected %s, found %s", kind, p.describe())
	}
	tok := p.tok
	return tok, p.advance()
}

func (p *parser) expectKeyword(word string) error {
	if !p.isKeyword(word) {
		return p.errorf("expected %q, found %s", word, p.describe())
	}
	return p.advance()
}

func (p *parser) describe() string {
	switch p.tok.kind {
	case tokIdent, tokVar:
		return fmt.Sprintf("%q", p.tok.text)
	case tokInt:
		return p.tok.text
	case tokString:
		return fmt.Sprintf("string %q", p.tok.text)
	default:
		return p.tok.kind.String()
	}
}

func (p *parser) parseImport() error {
	if err := p.advance(); err != nil {
		return err
	}
	mod, err := p.expect(tokString)
	if err != nil {
		return err
	}
	if mod.text != "hash" {
		return p.lex.errorf(mod.line, "unsupported module %q", mod.text)
	}
	return nil
}

func (p *parser) parseRule() (*Rule, error) {
	r := &Rule{Namespace: p.ns, Meta: map[string]interface{}{}}
	for p.isKeyword("private") || p.isKeyword("global") {
		if p.tok.text == "private" {
			r.Private = true
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("rule"); err != nil {
		return nil, err
	}
	name, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	r.Name = name.text

	if p.tok.kind == tokColon {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.tok.kind == tokIdent {
			r.Tags = append(r.Tags, p.tok.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if len(r.Tags) == 0 {
			return nil, p.errorf("expected tag after ':'")
		}
	}
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}

	for p.tok.kind != tokRBrace {
		if p.tok.kind != tokIdent {
			return nil, p.errorf("expected section, found %s", p.describe())
		}
		section := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		switch section {
		case "meta":
			if err := p.parseMeta(r); err != nil {
				return nil, err
			}
		case "strings":
			if err := p.parseStrings(r); err != nil {
				return nil, err
			}
		case "condition":
			if r.cond != nil {
				return nil, p.errorf("duplicate condition section")
			}
			cond, err := p.parseOr(r)
			if err != nil {
				return nil, err
			}
			r.cond = cond
		default:
			return nil, p.errorf("unknown section %q", section)
		}
	}
	if r.cond == nil {
		return nil, p.errorf("rule %q has no condition", r.Name)
	}
	return r, p.advance()
}

func (p *parser) parseMeta(r *Rule) error {
	for p.tok.kind == tokIdent && !p.isSectionStart() {
		key := p.tok.text
		if err := p.advance(); err != nil {
			return err
		}
		if _, err := p.expect(tokAssign); err != nil {
			return err
		}
		switch {
		case p.tok.kind == tokString:
			r.Meta[key] = p.tok.text
		case p.tok.kind == tokInt:
			r.Meta[key] = p.tok.num
		case p.isKeyword("true"):
			r.Meta[key] = true
		case p.isKeyword("false"):
			r.Meta[key] = false
		default:
			return p.errorf("invalid meta value for %q", key)
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

// isSectionStart reports whether the current identifier begins a new
// section, i.e. is followed by ':'.
func (p *parser) isSectionStart() bool {
	switch p.tok.text {
	case "meta", "strings", "condition":
	default:
		return false
	}
	rest := p.lex.src[p.lex.pos:]
	return strings.HasPrefix(strings.TrimLeft(rest, " \t\r\n"), ":")
}

func (p *parser) parseStrings(r *Rule) error {
	for p.tok.kind == tokVar {
		id := p.tok.text
		line := p.tok.line
		if id == "$" || strings.HasSuffix(id, "*") {
			return p.errorf("invalid string identifier %q", id)
		}
		for _, s := range r.strings {
			if s.id == id {
				return p.errorf("duplicate string identifier %s", id)
			}
		}
		if err := p.advance(); err != nil {
			return err
		}
		if p.tok.kind != tokAssign {
			return p.errorf("expected '=' after %s", id)
		}
		// Read the value straight from the lexer: a '{' here opens a hex
		// string, not a block.
		value, err := p.lex.next()
		if err != nil {
			return err
		}
		def := stringDef{id: id}
		switch value.kind {
		case tokString:
			def.data = []byte(value.text)
		case tokLBrace:
			data, err := p.lex.hexString(line)
			if err != nil {
				return err
			}
			def.data = data
		default:
			return p.lex.errorf(line, "expected text or hex string for %s", id)
		}
		if len(def.data) == 0 {
			return p.lex.errorf(line, "empty string %s", id)
		}
		if err := p.advance(); err != nil {
			return err
		}
		for p.tok.kind == tokIdent && !p.isSectionStart() {
			switch p.tok.text {
			case "nocase":
				def.nocase = true
			case "wide":
				def.wide = true
			case "ascii":
				def.ascii = true
			default:
				return p.errorf("unsupported string modifier %q", p.tok.text)
			}
			if err := p.advance(); err != nil {
				return err
			}
		}
		if value.kind == tokLBrace && (def.nocase || def.wide || def.ascii) {
			return p.lex.errorf(line, "modifiers are not allowed on hex strings")
		}
		if !def.wide {
			def.ascii = true
		}
		r.strings = append(r.strings, def)
	}
	return nil
}

func (p *parser) stringIndex(r *Rule, id string) (int, error) {
	for i, s := range r.strings {
		if s.id == id {
			return i, nil
		}
	}
	return -1, p.errorf("undefined string identifier %s", id)
}

func (p *parser) parseOr(r *Rule) (expr, error) {
	left, err := p.parseAnd(r)
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd(r)
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd(r *Rule) (expr, error) {
	left, err := p.parseFactor(r)
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseFactor(r)
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseFactor(r *Rule) (expr, error) {
	switch {
	case p.tok.kind == tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr(r)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case p.isKeyword("not"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseFactor(r)
		if err != nil {
			return nil, err
		}
		return notExpr{inner}, nil
	case p.isKeyword("true"), p.isKeyword("false"):
		v := p.tok.text == "true"
		return boolExpr(v), p.advance()
	case p.tok.kind == tokVar:
		return p.parseStringRef(r)
	case p.isKeyword("any"), p.isKeyword("all"), p.tok.kind == tokInt:
		return p.parseOf(r)
	case p.isKeyword("filesize"):
		return p.parseFilesize()
	case p.isKeyword("hash"):
		return p.parseHash()
	case p.isKeyword("tlsh"):
		return p.parseTLSH()
	}
	return nil, p.errorf("unexpected %s in condition", p.describe())
}

func (p *parser) parseStringRef(r *Rule) (expr, error) {
	id := p.tok.text
	idx, err := p.stringIndex(r, id)
	if err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.isKeyword("at") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		off, err := p.expect(tokInt)
		if err != nil {
			return nil, err
		}
		if off.num < 0 {
			return nil, p.lex.errorf(off.line, "negative offset")
		}
		if off.num > MaxAtOffset {
			return nil, p.lex.errorf(off.line, "offset %d exceeds the %d byte limit", off.num, MaxAtOffset)
		}
		return stringAtExpr{index: idx, offset: off.num}, nil
	}
	return stringExpr{index: idx}, nil
}

func (p *parser) parseOf(r *Rule) (expr, error) {
	q := ofExpr{}
	switch {
	case p.isKeyword("any"):
		q.quantifier = quantAny
	case p.isKeyword("all"):
		q.quantifier = quantAll
	default:
		if p.tok.num <= 0 {
			return nil, p.errorf("count must be positive")
		}
		q.quantifier = quantCount
		q.count = int(p.tok.num)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("of"); err != nil {
		return nil, err
	}
	if p.isKeyword("them") {
		for i := range r.strings {
			q.set = append(q.set, i)
		}
		if len(q.set) == 0 {
			return nil, p.errorf("'of them' used in a rule without strings")
		}
		return q, p.advance()
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for {
		if p.tok.kind != tokVar {
			return nil, p.errorf("expected string identifier in set, found %s", p.describe())
		}
		ids, err := p.expandSet(r, p.tok.text)
		if err != nil {
			return nil, err
		}
		for _, idx := range ids {
			if !seen[idx] {
				seen[idx] = true
				q.set = append(q.set, idx)
			}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) expandSet(r *Rule, id string) ([]int, error) {
	if !strings.HasSuffix(id, "*") {
		idx, err := p.stringIndex(r, id)
		if err != nil {
			return nil, err
		}
		return []int{idx}, nil
	}
	prefix := strings.TrimSuffix(id, "*")
	var out []int
	for i, s := range r.strings {
		if strings.HasPrefix(s.id, prefix) {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return nil, p.errorf("no strings match %s", id)
	}
	return out, nil
}

func (p *parser) parseComparison() (tokenKind, error) {
	switch p.tok.kind {
	case tokEq, tokLt, tokLe, tokGt, tokGe:
		kind := p.tok.kind
		return kind, p.advance()
	}
	return 0, p.errorf("expected comparison operator, found %s", p.describe())
}

func (p *parser) parseFilesize() (expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	op, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	n, err := p.expect(tokInt)
	if err != nil {
		return nil, err
	}
	return filesizeExpr{op: op, value: n.num}, nil
}

// parseHash accepts hash.sha256(0, filesize) == "<hex>".
func (p *parser) parseHash() (expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokDot); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("sha256"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	start, err := p.expect(tokInt)
	if err != nil {
		return nil, err
	}
	if start.num != 0 {
		return nil, p.lex.errorf(start.line, "only whole-content hashes are supported")
	}
	if _, err := p.expect(tokComma); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("filesize"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokEq); err != nil {
		return nil, err
	}
	digest, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	hexDigest := strings.ToLower(digest.text)
	if len(hexDigest) != 64 || strings.Trim(hexDigest, "0123456789abcdef") != "" {
		return nil, p.lex.errorf(digest.line, "invalid sha256 digest %q", digest.text)
	}
	return hashExpr{digest: hexDigest}, nil
}

// parseTLSH accepts tlsh("<digest>") < N, a similarity distance check.
func (p *parser) parseTLSH() (expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	digest, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	ref, err := tlsh.ParseStringToTlsh(digest.text)
	if err != nil {
		return nil, p.lex.errorf(digest.line, "invalid tlsh digest: %v", err)
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	op, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if op != tokLt && op != tokLe {
		return nil, p.errorf("tlsh distance supports only '<' and '<='")
	}
	n, err := p.expect(tokInt)
	if err != nil {
		return nil, err
	}
	limit := n.num
	if op == tokLt {
		limit--
	}
	return tlshExpr{ref: ref, maxDistance: int(limit)}, nil
}
