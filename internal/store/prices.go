package store

import (
	"context"
	"sync"
	"time"
)

// PriceHistory is an in-process PriceStore. Points per market are kept
// oldest first.
type PriceHistory struct {
	mu        sync.RWMutex
	points    map[string][]PricePoint
	cooldowns map[string]time.Time
}

// NewPriceHistory creates an empty PriceHistory.
func NewPriceHistory() *PriceHistory {
	return &PriceHistory{
		points:    make(map[string][]PricePoint),
		cooldowns: make(map[string]time.Time),
	}
}

func (h *PriceHistory) RecordPrice(_ context.Context, conditionID string, at time.Time, price float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	pts := h.points[conditionID]
	p := PricePoint{At: at, Price: price}
	i := len(pts)
	for i > 0 && pts[i-1].At.After(at) {
		i--
	}
	pts = append(pts, PricePoint{})
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	h.points[conditionID] = pts
	return nil
}

func (h *PriceHistory) PriceBefore(_ context.Context, conditionID string, cutoff time.Time) (PricePoint, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pts := h.points[conditionID]
	for i := len(pts) - 1; i >= 0; i-- {
		if !pts[i].At.After(cutoff) {
			return pts[i], true, nil
		}
	}
	return PricePoint{}, false, nil
}

func (h *PriceHistory) PrunePrices(_ context.Context, before time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, pts := range h.points {
		drop := 0
		for drop < len(pts) && pts[drop].At.Before(before) {
			drop++
		}
		removed += drop
		if drop == len(pts) {
			delete(h.points, id)
			continue
		}
		if drop > 0 {
			h.points[id] = append([]PricePoint(nil), pts[drop:]...)
		}
	}
	return removed, nil
}

func (h *PriceHistory) ClaimCooldown(_ context.Context, conditionID string, now time.Time, cooldown time.Duration) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.cooldowns[conditionID]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	h.cooldowns[conditionID] = now
	return true, nil
}

func (h *PriceHistory) PruneCooldowns(_ context.Context, before time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, at := range h.cooldowns {
		if at.Before(before) {
			delete(h.cooldowns, id)
			removed++
		}
	}
	return removed, nil
}

// PriceCount returns the number of stored points for the market.
func (h *PriceHistory) PriceCount(conditionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points[conditionID])
}

// CooldownCount returns the number of markets with a recorded alert.
func (h *PriceHistory) CooldownCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cooldowns)
}
