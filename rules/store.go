package rules

import (
	"sync"
	"sync/atomic"

	"aegis/logger"
)

// Store publishes the active corpus. Readers take a snapshot with Current
// and keep using it for the whole scan; Reload swaps in a fresh corpus
// without blocking them.
type Store struct {
	current atomic.Pointer[Corpus]
	reload  sync.Mutex
	opts    LoadOptions
	version atomic.Uint64
}

func NewStore(opts LoadOptions) *Store {
	return &Store{opts: opts}
}

// Current returns the active corpus, nil when none loaded.
func (s *Store) Current() *Corpus {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// Swap installs c and returns the previous corpus.
func (s *Store) Swap(c *Corpus) *Corpus {
	s.version.Add(1)
	return s.current.Swap(c)
}

// Generation counts corpus swaps.
func (s *Store) Generation() uint64 {
	return s.version.Load()
}

// Reload recompiles all configured sources. If nothing compiles while a
// non-empty corpus is active, the active corpus stays in place.
func (s *Store) Reload() []error {
	s.reload.Lock()
	defer s.reload.Unlock()

	corpus, errs := Load(s.opts)
	LogLoadErrors(errs)
	if corpus == nil {
		logger.Error("Rule reload failed; keeping the active corpus")
		return errs
	}
	if corpus.Len() == 0 && s.Current().Len() > 0 && len(errs) > 0 {
		logger.Error("Rule reload produced no rules; keeping the active corpus")
		return errs
	}
	s.Swap(corpus)
	if corpus.Len() == 0 {
		logger.Warn("No signature rules loaded; signature matching is disabled")
	} else {
		logger.Infof("Loaded %d signature rules from %d sources", corpus.Len(), len(corpus.Sources))
	}
	return errs
}

// AddPath registers an extra rule location for future reloads.
func (s *Store) AddPath(path string) {
	s.reload.Lock()
	defer s.reload.Unlock()
	for _, p := range s.opts.Paths {
		if p == path {
			return
		}
	}
	s.opts.Paths = append(s.opts.Paths, path)
}
