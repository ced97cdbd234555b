package ingest

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/polyinsider/tradewatch/internal/store"
)

// DefaultMarketLimit is the number of active markets fetched per refresh.
const DefaultMarketLimit = 1000

// gammaMarket is a market from the Gamma API.
type gammaMarket struct {
	ConditionID   string          `json:"conditionId"`
	Question      string          `json:"question"`
	Slug          string          `json:"slug"`
	GroupSlug     string          `json:"groupSlug"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
	VolumeNum     flexFloat       `json:"volumeNum"`
	ClobTokenIDs  json.RawMessage `json:"clobTokenIds"`
	OutcomePrices json.RawMessage `json:"outcomePrices"`
	Tags          []gammaTag      `json:"tags"`
	Events        []struct {
		Slug string     `json:"slug"`
		Tags []gammaTag `json:"tags"`
	} `json:"events"`
}

type gammaTag struct {
	ID    json.RawMessage `json:"id"`
	Label string          `json:"label"`
	Slug  string          `json:"slug"`
}

func (t gammaTag) tag() store.Tag {
	return store.Tag{
		ID:    strings.Trim(string(t.ID), `"`),
		Label: t.Label,
		Slug:  strings.ToLower(t.Slug),
	}
}

func (m gammaMarket) market() store.Market {
	out := store.Market{
		ConditionID: m.ConditionID,
		TokenIDs:    decodeStringList(m.ClobTokenIDs),
		Question:    m.Question,
		Slug:        m.Slug,
		GroupSlug:   strings.ToLower(m.GroupSlug),
		Volume:      float64(m.VolumeNum),
		Active:      m.Active && !m.Closed,
	}
	if prices := decodeStringList(m.OutcomePrices); len(prices) > 0 {
		if p, err := strconv.ParseFloat(strings.TrimSpace(prices[0]), 64); err == nil {
			out.YesPrice = p
		}
	}
	for _, t := range m.Tags {
		out.Tags = append(out.Tags, t.tag())
	}
	for _, e := range m.Events {
		if out.EventSlug == "" {
			out.EventSlug = e.Slug
		}
		for _, t := range e.Tags {
			out.Tags = append(out.Tags, t.tag())
		}
	}
	return out
}

// ActiveMarkets fetches open markets with their tags and prices.
func (c *Client) ActiveMarkets(ctx context.Context, limit int) ([]store.Market, error) {
	if limit <= 0 {
		limit = DefaultMarketLimit
	}
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("include_tag", "true")
	params.Set("limit", strconv.Itoa(limit))

	var raw []gammaMarket
	if err := c.getJSON(ctx, "active_markets", c.gammaURL, "/markets", params, &raw); err != nil {
		return nil, err
	}

	markets := make([]store.Market, 0, len(raw))
	for _, m := range raw {
		if m.ConditionID == "" {
			continue
		}
		markets = append(markets, m.market())
	}
	return markets, nil
}

// SportsTagIDs returns the tag ids Polymarket assigns to sports leagues.
func (c *Client) SportsTagIDs(ctx context.Context) ([]string, error) {
	var sports []struct {
		Sport string `json:"sport"`
		Tags  string `json:"tags"`
	}
	if err := c.getJSON(ctx, "sports_tags", c.gammaURL, "/sports", nil, &sports); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, s := range sports {
		for _, id := range strings.Split(s.Tags, ",") {
			id = strings.TrimSpace(id)
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// TeamNames returns lower-cased team names from the gamma team catalog.
func (c *Client) TeamNames(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("limit", "1000")

	var teams []struct {
		Name         string `json:"name"`
		Abbreviation string `json:"abbreviation"`
	}
	if err := c.getJSON(ctx, "teams", c.gammaURL, "/teams", params, &teams); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(teams))
	for _, t := range teams {
		if n := strings.ToLower(strings.TrimSpace(t.Name)); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}
