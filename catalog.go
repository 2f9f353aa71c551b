package modelgate

// Catalog is the immutable registry of providers and models. Built
// once at startup from configuration; safe for concurrent use with no
// locking because nothing mutates it after construction.
type Catalog struct {
	specs []ModelSpec
	byID  map[string]int
}

// NewCatalog builds a catalog from validated config. The declaration
// order of cfg.Models is preserved and is the final ranking tie-break.
func NewCatalog(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Catalog{
		specs: make([]ModelSpec, len(cfg.Models)),
		byID:  make(map[string]int, len(cfg.Models)),
	}
	copy(c.specs, cfg.Models)
	for i, s := range c.specs {
		c.byID[s.ID()] = i
	}
	return c, nil
}

// Lookup returns the spec for (provider, model), or ErrUnknownModel.
func (c *Catalog) Lookup(provider, model string) (ModelSpec, error) {
	return c.LookupID(provider + "-" + model)
}

// LookupID returns the spec for a "<provider>-<model>" identifier.
func (c *Catalog) LookupID(id string) (ModelSpec, error) {
	i, ok := c.byID[id]
	if !ok {
		return ModelSpec{}, ErrUnknownModel
	}
	return c.specs[i], nil
}

// All returns every spec in declaration order. The returned slice is a
// copy; callers may not mutate catalog state through it.
func (c *Catalog) All() []ModelSpec {
	out := make([]ModelSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// ByCapability returns the specs declaring the given tag, in
// declaration order.
func (c *Catalog) ByCapability(tag CapabilityTag) []ModelSpec {
	var out []ModelSpec
	for _, s := range c.specs {
		if s.HasCapability(tag) {
			out = append(out, s)
		}
	}
	return out
}

// Providers returns the distinct provider names in declaration order.
func (c *Catalog) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range c.specs {
		if !seen[s.Provider] {
			seen[s.Provider] = true
			out = append(out, s.Provider)
		}
	}
	return out
}

// Len returns the number of models in the catalog.
func (c *Catalog) Len() int { return len(c.specs) }
