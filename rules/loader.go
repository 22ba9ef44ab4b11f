package rules

import (
	_ "embed"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"aegis/logger"
)

// BuiltinNamespace holds the rules embedded in the binary.
const BuiltinNamespace = "builtin"

//go:embed builtin.yar
var builtinSource string

var ruleExtensions = map[string]bool{".yar": true, ".yara": true}

// LoadOptions selects the rule sources a Store compiles.
type LoadOptions struct {
	Paths   []string
	Builtin bool
	Options
}

// Load compiles every rule file found under opts.Paths. Files that fail to
// compile are reported and skipped; the rest still load. Missing paths are
// reported as errors too, wrapped around fs.ErrNotExist.
func Load(opts LoadOptions) (*Corpus, []error) {
	c := NewCompiler(opts.Options)
	var errs []error
	if opts.Builtin {
		if err := c.Add(BuiltinNamespace, "builtin.yar", builtinSource); err != nil {
			errs = append(errs, err)
		}
	}
	for _, file := range expandRulePaths(opts.Paths, &errs) {
		data, err := os.ReadFile(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.Add(namespaceFor(file), file, string(data)); err != nil {
			errs = append(errs, err)
		}
	}
	corpus, err := c.Corpus()
	if err != nil {
		errs = append(errs, err)
		return nil, errs
	}
	return corpus, errs
}

func namespaceFor(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func expandRulePaths(paths []string, errs *[]error) []string {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		if !info.IsDir() {
			files = append(files, filepath.Clean(p))
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !ruleExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			files = append(files, filepath.Join(p, e.Name()))
		}
	}
	sort.Strings(files)
	return slices.Compact(files)
}

// LogLoadErrors reports load problems. Missing optional paths are debug
// noise; compile failures are errors.
func LogLoadErrors(errs []error) {
	for _, err := range errs {
		var cerr *CompileError
		switch {
		case errors.As(err, &cerr):
			logger.Errorf("%v", err)
		case errors.Is(err, fs.ErrNotExist):
			logger.Debugf("Rule path unavailable: %v", err)
		default:
			logger.Warnf("Failed to load rules: %v", err)
		}
	}
}
