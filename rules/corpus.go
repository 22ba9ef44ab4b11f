package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
	"github.com/cloudflare/ahocorasick"
	"github.com/glaslos/tlsh"
)

// Match is one rule that fired for a sample.
type Match struct {
	Rule      string                 `json:"rule"`
	Namespace string                 `json:"namespace"`
	Tags      []string               `json:"tags"`
	Meta      map[string]interface{} `json:"metadata"`
}

// Options tunes corpus construction.
type Options struct {
	// PrefilterBits enables the hash prefilter when positive.
	PrefilterBits int
}

type target struct {
	hit int
}

type compiledRule struct {
	rule    *Rule
	hitBase int
}

// Corpus is an immutable compiled rule set. It is safe for concurrent use.
type Corpus struct {
	rules    []compiledRule
	hitCount int

	exact         *ahocorasick.Matcher
	exactTargets  [][]target
	folded        *ahocorasick.Matcher
	foldedTargets [][]target

	needSHA256 bool
	needTLSH   bool
	digests    map[string]struct{}
	prefilter  *xorfilter.Xor8

	LoadedAt time.Time
	Sources  []string
}

// Compiler accumulates rule sources into a corpus.
type Compiler struct {
	opts    Options
	rules   []*Rule
	names   map[string]bool
	sources []string
}

func NewCompiler(opts Options) *Compiler {
	return &Compiler{opts: opts, names: map[string]bool{}}
}

// Add compiles src into namespace. On error nothing from src is added.
func (c *Compiler) Add(namespace, filename, src string) error {
	parsed, err := parseSource(filename, namespace, src)
	if err != nil {
		return err
	}
	for _, r := range parsed {
		key := r.Namespace + ":" + r.Name
		if c.names[key] {
			return &CompileError{File: filename, Msg: fmt.Sprintf("rule %q already defined in namespace %q", r.Name, r.Namespace)}
		}
	}
	for _, r := range parsed {
		c.names[r.Namespace+":"+r.Name] = true
	}
	c.rules = append(c.rules, parsed...)
	if filename != "" {
		c.sources = append(c.sources, filename)
	}
	return nil
}

// Corpus builds the matchers for every rule added so far.
func (c *Compiler) Corpus() (*Corpus, error) {
	corpus := &Corpus{
		LoadedAt: time.Now(),
		Sources:  append([]string(nil), c.sources...),
		digests:  map[string]struct{}{},
	}

	exactIndex := map[string]int{}
	foldedIndex := map[string]int{}
	var exactDict, foldedDict []string

	for _, r := range c.rules {
		cr := compiledRule{rule: r, hitBase: corpus.hitCount}
		corpus.hitCount += len(r.strings)
		for i, def := range r.strings {
			t := target{hit: cr.hitBase + i}
			for _, v := range variants(def) {
				key := string(v)
				if def.nocase {
					idx, ok := foldedIndex[key]
					if !ok {
						idx = len(foldedDict)
						foldedIndex[key] = idx
						foldedDict = append(foldedDict, key)
						corpus.foldedTargets = append(corpus.foldedTargets, nil)
					}
					corpus.foldedTargets[idx] = append(corpus.foldedTargets[idx], t)
					continue
				}
				idx, ok := exactIndex[key]
				if !ok {
					idx = len(exactDict)
					exactIndex[key] = idx
					exactDict = append(exactDict, key)
					corpus.exactTargets = append(corpus.exactTargets, nil)
				}
				corpus.exactTargets[idx] = append(corpus.exactTargets[idx], t)
			}
		}
		walkExpr(r.cond, func(e expr) {
			switch v := e.(type) {
			case hashExpr:
				corpus.needSHA256 = true
				corpus.digests[v.digest] = struct{}{}
			case tlshExpr:
				corpus.needTLSH = true
			}
		})
		corpus.rules = append(corpus.rules, cr)
	}

	if len(exactDict) > 0 {
		corpus.exact = ahocorasick.NewStringMatcher(exactDict)
	}
	if len(foldedDict) > 0 {
		corpus.folded = ahocorasick.NewStringMatcher(foldedDict)
	}
	if c.opts.PrefilterBits > 0 && len(corpus.digests) > 0 {
		filter, err := buildDigestFilter(corpus.digests)
		if err != nil {
			return nil, fmt.Errorf("building hash prefilter: %w", err)
		}
		corpus.prefilter = filter
	}
	return corpus, nil
}

func buildDigestFilter(digests map[string]struct{}) (*xorfilter.Xor8, error) {
	keys := make([]uint64, 0, len(digests))
	seen := make(map[uint64]struct{}, len(digests))
	for d := range digests {
		k := xxhash.Sum64String(d)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return xorfilter.Populate(keys)
}

// Compile builds a corpus from a single source.
func Compile(namespace, src string) (*Corpus, error) {
	c := NewCompiler(Options{})
	if err := c.Add(namespace, "", src); err != nil {
		return nil, err
	}
	return c.Corpus()
}

// Len returns the number of compiled rules.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// RuleNames lists namespace-qualified rule names in load order.
func (c *Corpus) RuleNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.rules))
	for _, cr := range c.rules {
		names = append(names, cr.rule.Namespace+"."+cr.rule.Name)
	}
	return names
}

// Scan evaluates every rule against data. A nil corpus matches nothing.
func (c *Corpus) Scan(data []byte) []Match {
	return c.ScanWithSize(data, int64(len(data)))
}

// ScanWithSize evaluates the corpus against a sample that is the first
// len(data) bytes of a target of fileSize bytes. filesize conditions see
// fileSize and hash conditions never match a truncated sample.
func (c *Corpus) ScanWithSize(data []byte, fileSize int64) []Match {
	if c == nil || len(c.rules) == 0 {
		return nil
	}
	if fileSize < int64(len(data)) {
		fileSize = int64(len(data))
	}
	ctx := &evalContext{data: data, hits: make([]bool, c.hitCount), fileSize: fileSize}
	if c.exact != nil {
		for _, idx := range c.exact.MatchThreadSafe(data) {
			for _, t := range c.exactTargets[idx] {
				ctx.hits[t.hit] = true
			}
		}
	}
	if c.folded != nil {
		for _, idx := range c.folded.MatchThreadSafe(asciiLower(data)) {
			for _, t := range c.foldedTargets[idx] {
				ctx.hits[t.hit] = true
			}
		}
	}
	if c.needSHA256 {
		ctx.sha256Hex = c.digestFunc(data)
	}
	if c.needTLSH {
		ctx.tlshDigest = sync.OnceValue(func() *tlsh.TLSH {
			digest, err := tlsh.HashBytes(data)
			if err != nil {
				return nil
			}
			return digest
		})
	}

	var matches []Match
	for i := range c.rules {
		cr := &c.rules[i]
		if cr.rule.Private || !cr.rule.cond.eval(ctx, cr) {
			continue
		}
		matches = append(matches, newMatch(cr.rule))
	}
	return matches
}

// digestFunc hashes data lazily. Samples whose digest is rejected by the
// prefilter report an empty digest so no hash condition can match.
func (c *Corpus) digestFunc(data []byte) func() string {
	return sync.OnceValue(func() string {
		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])
		if c.prefilter != nil && !c.prefilter.Contains(xxhash.Sum64String(digest)) {
			return ""
		}
		if _, ok := c.digests[digest]; !ok {
			return ""
		}
		return digest
	})
}

func newMatch(r *Rule) Match {
	m := Match{
		Rule:      r.Name,
		Namespace: r.Namespace,
		Tags:      append([]string{}, r.Tags...),
		Meta:      make(map[string]interface{}, len(r.Meta)),
	}
	for k, v := range r.Meta {
		m.Meta[k] = v
	}
	return m
}
