// Package registry collects script registrations made while a page is
// built and renders them as late-loading markup.
//
// A Registry holds two ordered sets keyed by URL: scripts emitted as
// <script defer> tags, and scripts created from an inline loader after the
// window load event. Registering a URL again replaces its attributes but
// keeps its original position. Nothing is escaped on the way in; URLs and
// attributes are sanitized when rendered.
//
// A Registry is not safe for concurrent use. Hosts create one per render.
package registry

import (
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registration is one script URL and its attributes.
type Registration struct {
	URL        string     `json:"url" yaml:"url" toml:"url"`
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty" toml:"attributes,omitempty"`
}

// scriptSet is an insertion-ordered URL -> attributes mapping.
type scriptSet = orderedmap.OrderedMap[string, Attributes]

// Registry holds the deferred and after-load script sets for one render.
type Registry struct {
	escaper   *Escaper
	deferred  *scriptSet
	afterLoad *scriptSet
}

// Option configures a Registry.
type Option func(*Registry)

// WithEscaper sets the escaper used at render time.
func WithEscaper(e *Escaper) Option {
	return func(r *Registry) {
		if e != nil {
			r.escaper = e
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		escaper:   defaultEscaper,
		deferred:  orderedmap.New[string, Attributes](),
		afterLoad: orderedmap.New[string, Attributes](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Defer registers url to be emitted as a <script defer> tag.
// A second registration of the same url replaces its attributes.
func (r *Registry) Defer(url string, attrs Attributes) {
	r.deferred.Set(url, cloneAttributes(attrs))
}

// AfterLoad registers url to be loaded after the window load event.
// A second registration of the same url replaces its attributes.
func (r *Registry) AfterLoad(url string, attrs Attributes) {
	r.afterLoad.Set(url, cloneAttributes(attrs))
}

// Register adds reg to the deferred set, or to the after-load set when
// afterLoad is true.
func (r *Registry) Register(reg Registration, afterLoad bool) {
	if afterLoad {
		r.AfterLoad(reg.URL, reg.Attributes)
		return
	}
	r.Defer(reg.URL, reg.Attributes)
}

// DeferLen returns the number of deferred scripts.
func (r *Registry) DeferLen() int {
	return r.deferred.Len()
}

// AfterLoadLen returns the number of after-load scripts.
func (r *Registry) AfterLoadLen() int {
	return r.afterLoad.Len()
}

// Deferred returns the deferred registrations in order, unescaped.
func (r *Registry) Deferred() []Registration {
	return registrations(r.deferred)
}

// AfterLoaded returns the after-load registrations in order, unescaped.
func (r *Registry) AfterLoaded() []Registration {
	return registrations(r.afterLoad)
}

// Reset empties both sets.
func (r *Registry) Reset() {
	r.deferred = orderedmap.New[string, Attributes]()
	r.afterLoad = orderedmap.New[string, Attributes]()
}

// escapeAll returns a copy of set with every URL and attribute escaped.
// URLs that escape to the same string collapse into one entry at the
// position of the first, carrying the attributes of the last. Attribute
// names collapse the same way.
func (r *Registry) escapeAll(set *scriptSet) *scriptSet {
	escaped := orderedmap.New[string, Attributes]()
	for pair := set.Oldest(); pair != nil; pair = pair.Next() {
		attrs := make(Attributes, 0, len(pair.Value))
		for _, attr := range pair.Value {
			attrs.Set(r.escaper.Attr(attr.Name), r.escaper.Attr(attr.Value))
		}
		escaped.Set(r.escaper.URL(pair.Key), attrs)
	}
	return escaped
}

func registrations(set *scriptSet) []Registration {
	result := make([]Registration, 0, set.Len())
	for pair := set.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, Registration{URL: pair.Key, Attributes: cloneAttributes(pair.Value)})
	}
	return result
}

func cloneAttributes(attrs Attributes) Attributes {
	if attrs == nil {
		return Attributes{}
	}
	return slices.Clone(attrs)
}
