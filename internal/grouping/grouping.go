// Package grouping folds flat script records into the brand → product hierarchy.
package grouping

import (
	"sort"
	"strings"

	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/normalize"
)

// Order selects how groups are sorted. Every order is stable.
type Order string

const (
	LatestFirst Order = "latest"
	OldestFirst Order = "oldest"
	BrandAlpha  Order = "brand"
	MostScripts Order = "count"
)

// ParseOrder maps a query value to an Order, defaulting to LatestFirst.
func ParseOrder(s string) Order {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case OldestFirst:
		return OldestFirst
	case BrandAlpha:
		return BrandAlpha
	case MostScripts:
		return MostScripts
	default:
		return LatestFirst
	}
}

// Group folds records into one group per brand/product identity.
//
// The latest pointer and preview fields move on every record whose createdAt is not
// older than the group's current latest date, so identical timestamps resolve to the
// record seen last. The first pointer only moves on a strictly earlier record.
func Group(records []model.ScriptRecord, order Order) []model.ScriptGroup {
	index := make(map[string]int, len(records))
	groups := make([]model.ScriptGroup, 0)

	for _, r := range records {
		id := normalize.Resolve(r)
		key := id.Key()
		created := r.CreatedAt.Time

		i, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, model.ScriptGroup{
				Key:            key,
				BrandName:      id.BrandName,
				ProductName:    id.ProductName,
				ScriptCount:    1,
				LatestDate:     r.CreatedAt,
				FirstDate:      r.CreatedAt,
				FirstScriptID:  r.ID,
				LatestScriptID: r.ID,
				Preview:        normalize.PreviewOf(r),
			})
			continue
		}

		g := &groups[i]
		g.ScriptCount++
		if !created.Before(g.LatestDate.Time) {
			g.LatestDate = r.CreatedAt
			g.LatestScriptID = r.ID
			g.Preview = normalize.PreviewOf(r)
		}
		if created.Before(g.FirstDate.Time) {
			g.FirstDate = r.CreatedAt
			g.FirstScriptID = r.ID
		}
	}

	Sort(groups, order)
	return groups
}

// Sort orders groups in place without disturbing the relative order of equal elements.
func Sort(groups []model.ScriptGroup, order Order) {
	var less func(a, b model.ScriptGroup) bool
	switch order {
	case OldestFirst:
		less = func(a, b model.ScriptGroup) bool { return a.LatestDate.Before(b.LatestDate.Time) }
	case BrandAlpha:
		less = func(a, b model.ScriptGroup) bool {
			if a.BrandName != b.BrandName {
				return strings.ToLower(a.BrandName) < strings.ToLower(b.BrandName)
			}
			return strings.ToLower(a.ProductName) < strings.ToLower(b.ProductName)
		}
	case MostScripts:
		less = func(a, b model.ScriptGroup) bool { return a.ScriptCount > b.ScriptCount }
	default:
		less = func(a, b model.ScriptGroup) bool { return a.LatestDate.After(b.LatestDate.Time) }
	}
	sort.SliceStable(groups, func(i, j int) bool { return less(groups[i], groups[j]) })
}

// Hierarchy nests groups under their brands. Brands appear in the order their first
// product appears in groups, so the caller's sort order carries through.
func Hierarchy(groups []model.ScriptGroup) []model.BrandSummary {
	index := make(map[string]int)
	brands := make([]model.BrandSummary, 0)
	for _, g := range groups {
		i, ok := index[g.BrandName]
		if !ok {
			index[g.BrandName] = len(brands)
			brands = append(brands, model.BrandSummary{BrandName: g.BrandName, LatestDate: g.LatestDate})
			i = len(brands) - 1
		}
		b := &brands[i]
		b.Products = append(b.Products, g)
		b.ProductCount++
		b.ScriptCount += g.ScriptCount
		if g.LatestDate.After(b.LatestDate.Time) {
			b.LatestDate = g.LatestDate
		}
	}
	return brands
}

// Filter returns the records belonging to one brand/product, newest first. Records with
// equal timestamps keep their input order.
func Filter(records []model.ScriptRecord, brand, product string) []model.ScriptRecord {
	key := normalize.Identity{BrandName: brand, ProductName: product}.Key()
	out := make([]model.ScriptRecord, 0)
	for _, r := range records {
		if normalize.Key(r) == key {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt.Time) })
	return out
}

// TotalScripts sums ScriptCount across groups.
func TotalScripts(groups []model.ScriptGroup) int {
	n := 0
	for _, g := range groups {
		n += g.ScriptCount
	}
	return n
}
