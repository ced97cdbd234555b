// Package classify resolves a trade's market category and the wallet flags
// the alert router needs: fresh wallet, top trader and bond.
package classify

import (
	"context"
	"strings"

	"github.com/polyinsider/tradewatch/internal/store"
)

// Classification is the classifier's verdict for one trade.
type Classification struct {
	Category  Category
	Sports    bool
	Fresh     bool
	Bond      bool
	TopTrader *store.TraderInfo
}

// Classifier combines the market catalog with the wallet lookups.
type Classifier struct {
	catalog *Catalog
	fresh   *FreshChecker
	top     *TopTraders
}

// New creates a Classifier. fresh and top may be nil, in which case the
// corresponding flag is always false.
func New(catalog *Catalog, fresh *FreshChecker, top *TopTraders) *Classifier {
	return &Classifier{catalog: catalog, fresh: fresh, top: top}
}

// Classify computes the Classification. Wallet flags are only evaluated for
// BUY trades.
func (c *Classifier) Classify(ctx context.Context, b *Batch, t store.Trade) Classification {
	cat := c.Category(t)
	out := Classification{
		Category: cat,
		Sports:   cat == CategorySports,
		Bond:     t.IsBond(),
	}
	if !t.IsBuy() {
		return out
	}
	if c.fresh != nil {
		out.Fresh = c.fresh.Check(ctx, b, t)
	}
	if c.top != nil {
		out.TopTrader = c.top.Lookup(ctx, t.Wallet)
	}
	return out
}

// Category resolves the market category using only cached catalog state.
func (c *Classifier) Category(t store.Trade) Category {
	var market *store.Market
	if c.catalog != nil {
		if m, ok := c.catalog.Lookup(t); ok {
			market = &m
		}
	}

	labels, ids := tradeTags(t, market)

	// Authoritative taxonomy first.
	if c.catalog != nil {
		for _, id := range ids {
			if c.catalog.IsSportsTag(id) {
				return CategorySports
			}
		}
	}
	if market != nil && sportsSlugs[market.GroupSlug] {
		return CategorySports
	}

	text := tradeText(t, market)

	tagCats := make(map[Category]bool)
	for _, l := range labels {
		if cat, ok := tagCategories[l]; ok {
			tagCats[cat] = true
		}
	}
	for cat := range tagCats {
		if conflictingCategories[cat] {
			if kc := keywordCategory(text); kc != CategoryOther {
				return kc
			}
			return tagTiebreak(tagCats)
		}
	}
	if tagCats[CategorySports] {
		return CategorySports
	}
	if cat := tagTiebreak(tagCats); cat != CategoryOther {
		return cat
	}

	if containsAny(text, sportsKeywords) || matchesSportsPhrase(text) {
		return CategorySports
	}
	if c.catalog != nil && c.catalog.matchesTeam(text) {
		return CategorySports
	}
	return keywordCategory(text)
}

// MarketCategory resolves the category of a catalog market without a trade.
func (c *Classifier) MarketCategory(m store.Market) Category {
	t := store.Trade{
		ConditionID: m.ConditionID,
		Title:       m.Question,
		Slug:        m.Slug,
		EventSlug:   m.EventSlug,
	}
	if len(m.TokenIDs) > 0 {
		t.AssetID = m.TokenIDs[0]
	}
	for _, tag := range m.Tags {
		for _, v := range []string{tag.Slug, tag.Label, tag.ID} {
			if v != "" {
				t.Tags = append(t.Tags, v)
			}
		}
	}
	return c.Category(t)
}

// tagTiebreak picks a reportable category from tag categories.
func tagTiebreak(tagCats map[Category]bool) Category {
	switch {
	case tagCats[CategoryCrypto]:
		return CategoryCrypto
	case tagCats[CategoryPolitics], tagCats[categoryGeopolitics]:
		return CategoryPolitics
	case tagCats[CategoryEntertainment]:
		return CategoryEntertainment
	default:
		return CategoryOther
	}
}

// tradeTags returns lower-cased tag slugs/labels and raw tag ids from the
// trade and its market.
func tradeTags(t store.Trade, m *store.Market) (labels, ids []string) {
	for _, tag := range t.Tags {
		tag = strings.TrimSpace(tag)
		labels = append(labels, strings.ToLower(tag))
		ids = append(ids, tag)
	}
	if m != nil {
		for _, tag := range m.Tags {
			if tag.Slug != "" {
				labels = append(labels, strings.ToLower(tag.Slug))
			}
			if tag.Label != "" {
				labels = append(labels, strings.ToLower(tag.Label))
			}
			if tag.ID != "" {
				ids = append(ids, tag.ID)
			}
		}
	}
	return labels, ids
}

func tradeText(t store.Trade, m *store.Market) string {
	parts := []string{t.Title, t.Slug, t.EventSlug, t.Outcome}
	if m != nil {
		parts = append(parts, m.Question, m.Slug)
	}
	return strings.ToLower(strings.Join(parts, " "))
}
