// Package ingest handles the Polymarket push feed, REST lookups and record normalization.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
)

// ErrMalformedPayload marks records that cannot be parsed as structured data.
var ErrMalformedPayload = errors.New("malformed payload")

// Frame is the envelope of every push-feed message.
type Frame struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp flexTime        `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Record is a raw trade as returned by either the push feed or the data API.
// Every field is optional.
type Record struct {
	ProxyWallet     string    `json:"proxyWallet"`
	Maker           string    `json:"maker"`
	Taker           string    `json:"taker"`
	User            string    `json:"user"`
	Side            string    `json:"side"`
	Asset           string    `json:"asset"`
	AssetID         string    `json:"asset_id"`
	TokenID         string    `json:"tokenId"`
	ConditionID     string    `json:"conditionId"`
	ConditionIDAlt  string    `json:"condition_id"`
	Market          string    `json:"market"`
	Size            flexFloat `json:"size"`
	Price           flexFloat `json:"price"`
	Timestamp       flexTime  `json:"timestamp"`
	CreatedAt       flexTime  `json:"created_at"`
	BlockTime       flexTime  `json:"blockTime"`
	MatchTime       flexTime  `json:"matchTime"`
	Title           string    `json:"title"`
	Slug            string    `json:"slug"`
	EventSlug       string    `json:"eventSlug"`
	Outcome         string    `json:"outcome"`
	OutcomeIndex    flexFloat `json:"outcomeIndex"`
	Name            string    `json:"name"`
	Pseudonym       string    `json:"pseudonym"`
	TransactionHash string    `json:"transactionHash"`
	TxHash          string    `json:"txHash"`
	Hash            string    `json:"hash"`
	Tags            flexTags  `json:"tags"`
}

// Normalize parses a JSON trade record. It fails only when data is not a JSON
// object; missing fields take their documented defaults.
func Normalize(data []byte) (store.Trade, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return store.Trade{}, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.Trade{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return NormalizeRecord(rec), nil
}

// NormalizeRecord converts a decoded record into a canonical Trade.
func NormalizeRecord(rec Record) store.Trade {
	side := strings.ToUpper(strings.TrimSpace(rec.Side))
	if side != store.SideSell {
		side = store.SideBuy
	}
	outcome := rec.Outcome
	if outcome == "" {
		outcome = "Yes"
	}

	ts := firstTime(rec.Timestamp, rec.CreatedAt, rec.BlockTime, rec.MatchTime)
	if !ts.IsZero() {
		ts = ts.UTC().Truncate(time.Second)
	}

	return store.Trade{
		Wallet:          strings.ToLower(coalesce(rec.ProxyWallet, rec.Maker, rec.Taker, rec.User)),
		Side:            side,
		AssetID:         coalesce(rec.Asset, rec.AssetID, rec.TokenID),
		ConditionID:     coalesce(rec.ConditionID, rec.ConditionIDAlt, rec.Market),
		Size:            float64(rec.Size),
		Price:           float64(rec.Price),
		Timestamp:       ts,
		Title:           rec.Title,
		Slug:            rec.Slug,
		EventSlug:       rec.EventSlug,
		Outcome:         outcome,
		OutcomeIndex:    int(rec.OutcomeIndex),
		Name:            coalesce(rec.Name, rec.Pseudonym),
		TransactionHash: coalesce(rec.TransactionHash, rec.TxHash, rec.Hash),
		Tags:            []string(rec.Tags),
	}
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...flexTime) time.Time {
	for _, v := range values {
		if t := time.Time(v); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// flexFloat accepts JSON numbers, numeric strings and null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Tolerated: an unparseable number takes the zero default.
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// flexTime accepts unix seconds, unix milliseconds, numeric strings and
// RFC3339-like strings.
type flexTime time.Time

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	*t = flexTime(parseTimestamp(strings.Trim(string(b), `"`)))
	return nil
}

// parseTimestamp tries unix seconds/milliseconds and then the known layouts.
// Unparseable input yields the zero time.
func parseTimestamp(v string) time.Time {
	if v == "" || v == "null" {
		return time.Time{}
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		ts := int64(n)
		if ts > 1e12 {
			return time.UnixMilli(ts)
		}
		return time.Unix(ts, 0)
	}
	for _, layout := range timeFormats {
		if parsed, err := time.Parse(layout, v); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// flexTags accepts ["a","b"] or [{"id":..,"label":..,"slug":..}], flattening
// objects into their slug, label and id.
type flexTags []string

func (t *flexTags) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		*t = nil
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			ID    json.RawMessage `json:"id"`
			Label string          `json:"label"`
			Slug  string          `json:"slug"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			continue
		}
		for _, v := range []string{obj.Slug, obj.Label, strings.Trim(string(obj.ID), `"`)} {
			if v != "" && v != "null" {
				out = append(out, v)
			}
		}
	}
	*t = out
	return nil
}
