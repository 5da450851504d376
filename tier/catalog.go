// Package tier holds the static tier catalog: the mapping from a subscription
// tier name to the entitlements it grants.
//
// A Catalog is immutable once built. Lookups never fail: unknown or empty
// names resolve to the catalog's fallback tier.
package tier

import (
	"sort"
	"strings"
)

// Catalog is an immutable tier lookup table.
type Catalog struct {
	tiers    map[Name]Entitlements
	fallback Name
}

// DefaultCatalog returns the built-in four tier catalog with STARTER as the
// fallback.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(Starter, map[Name]Entitlements{ //nolint:errcheck // static table always contains the fallback
		Starter: {
			MonthlyTokens: 8,
			MaxFormats:    1,
			MaxRevisions:  1,
			QueuePriority: PriorityStandard,
		},
		Creator: {
			MonthlyTokens: 16,
			MaxFormats:    4,
			MaxRevisions:  2,
			QueuePriority: PriorityExpedited,
			VoiceClone:    true,
		},
		Growth: {
			MonthlyTokens: 32,
			MaxFormats:    4,
			MaxRevisions:  3,
			QueuePriority: PriorityPriority,
			VoiceClone:    true,
			AvatarClone:   true,
		},
		Scale: {
			MonthlyTokens: 64,
			MaxFormats:    4,
			MaxRevisions:  5,
			QueuePriority: PriorityRush,
			VoiceClone:    true,
			AvatarClone:   true,
		},
	})
	return c
}

// NewCatalog copies tiers into a new Catalog. The fallback tier must be
// present in tiers.
func NewCatalog(fallback Name, tiers map[Name]Entitlements) (*Catalog, error) {
	fallback = Normalize(string(fallback))
	c := &Catalog{
		tiers:    make(map[Name]Entitlements, len(tiers)),
		fallback: fallback,
	}
	for name, ent := range tiers {
		n := Normalize(string(name))
		ent.Tier = n
		c.tiers[n] = ent
	}
	if _, ok := c.tiers[fallback]; !ok {
		return nil, &UnknownFallbackError{Fallback: fallback}
	}
	return c, nil
}

// EntitlementsFor returns the entitlements for name, or the fallback tier's
// entitlements when name is unknown.
func (c *Catalog) EntitlementsFor(name string) Entitlements {
	if ent, ok := c.tiers[Normalize(name)]; ok {
		return ent
	}
	return c.tiers[c.fallback]
}

// Known reports whether name resolves to a tier without falling back.
func (c *Catalog) Known(name string) bool {
	_, ok := c.tiers[Normalize(name)]
	return ok
}

// Fallback returns the fallback tier name.
func (c *Catalog) Fallback() Name { return c.fallback }

// Names returns the catalog's tier names sorted by monthly allotment.
func (c *Catalog) Names() []Name {
	names := make([]Name, 0, len(c.tiers))
	for n := range c.tiers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := c.tiers[names[i]], c.tiers[names[j]]
		if a.MonthlyTokens != b.MonthlyTokens {
			return a.MonthlyTokens < b.MonthlyTokens
		}
		return names[i] < names[j]
	})
	return names
}

// Normalize canonicalizes a tier name.
func Normalize(name string) Name {
	return Name(strings.ToUpper(strings.TrimSpace(name)))
}

// UnknownFallbackError is returned by NewCatalog when the fallback tier is
// missing from the table.
type UnknownFallbackError struct {
	Fallback Name
}

func (e *UnknownFallbackError) Error() string {
	return "tier: fallback tier " + string(e.Fallback) + " not in catalog"
}
