package dap

import (
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// SourceProvider resolves a path-or-URI to source text. It is
// consulted in registration order; the first provider to
// return non-nil content wins. A provider error is logged and treated
// as "not found", never fatal — a single misbehaving provider must
// not break source listing for every other one.
type SourceProvider interface {
	Name() string
	Resolve(pathOrURI string) (content []byte, ok bool, err error)
}

// diskProvider is the always-registered fallback: it normalizes a
// file-scheme URI to a local path and reads it directly. Non-disk
// schemes are passed to it unchanged and it reports not-found, since
// only the URI's original provider understands them.
type diskProvider struct{}

func (diskProvider) Name() string { return "disk" }

func (diskProvider) Resolve(pathOrURI string) ([]byte, bool, error) {
	p := NormalizeFileURI(pathOrURI)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// NormalizeFileURI converts a file:// URI to a local filesystem path.
// Any other scheme (or a bare path) passes through unchanged.
func NormalizeFileURI(pathOrURI string) string {
	u, err := url.Parse(pathOrURI)
	if err != nil || u.Scheme != "file" {
		return pathOrURI
	}
	if u.Path != "" {
		return u.Path
	}
	return u.Opaque
}

// SourceRef is a catalog-issued handle for in-memory source content —
// the engine's own dynamically-synthesized modules (REPL input, eval'd
// strings, generated code) that have no path on disk and so exist
// only via their sourceReference.
type SourceRef struct {
	ID      int
	Origin  string // e.g. engine-reported module name
	Content string
}

// SourceCatalog holds the registered provider chain plus the
// allocator for synthetic (sourceReference-addressed) sources.
type SourceCatalog struct {
	providers []SourceProvider

	mu     sync.RWMutex
	byID   map[int]*SourceRef
	nextID atomic.Int64
}

func NewSourceCatalog(extra ...SourceProvider) *SourceCatalog {
	c := &SourceCatalog{byID: make(map[int]*SourceRef)}
	c.providers = append(c.providers, extra...)
	c.providers = append(c.providers, diskProvider{})
	return c
}

// Register appends a provider to the end of the chain (ahead of the
// disk fallback it is always seeded with), preserving registration
// order for providers added after construction.
func (c *SourceCatalog) Register(p SourceProvider) {
	c.providers = append(c.providers[:len(c.providers)-1], p, diskProvider{})
}

// Resolve walks the provider chain for pathOrURI.
func (c *SourceCatalog) Resolve(pathOrURI string) ([]byte, bool) {
	for _, p := range c.providers {
		content, ok, err := p.Resolve(pathOrURI)
		if err != nil {
			logrus.WithError(err).WithField("provider", p.Name()).Debug("source provider error, treating as not found")
			continue
		}
		if ok {
			return content, true
		}
	}
	return nil, false
}

// NewSynthetic allocates a sourceReference for content that has no
// disk path, returning the *dap.Source to embed in a stack frame.
func (c *SourceCatalog) NewSynthetic(origin, content string) *dap.Source {
	id := int(c.nextID.Add(1))
	c.mu.Lock()
	c.byID[id] = &SourceRef{ID: id, Origin: origin, Content: content}
	c.mu.Unlock()

	return &dap.Source{
		Name:            origin,
		SourceReference: id,
	}
}

// Content returns the text for a sourceReference previously allocated
// by NewSynthetic.
func (c *SourceCatalog) Content(sourceReference int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.byID[sourceReference]
	if !ok {
		return "", false
	}
	return ref.Content, true
}
