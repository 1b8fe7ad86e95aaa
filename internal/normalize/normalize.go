// Package normalize resolves brand/product identity and preview fields from script
// records whose shape varies between flat and metadata-nested layouts.
//
// Resolution is an ordered chain of extractors; the first non-empty string wins and
// the literal fallback applies when every extractor comes up empty. Resolution is pure,
// so the same record always yields the same group key.
package normalize

import (
	"strings"

	"github.com/RegistryAccord/scriptstudio-go/internal/model"
)

// KeySeparator joins brand and product in a group key. It cannot appear in display text,
// so brands or products containing visible delimiters never collide.
const KeySeparator = "\x00"

// Extractor returns a candidate value from a record, or "" when it has none.
type Extractor func(r model.ScriptRecord) string

// Identity is the resolved grouping identity of a record.
type Identity struct {
	BrandName   string
	ProductName string
}

// Key returns the group key for the identity.
func (id Identity) Key() string {
	return id.BrandName + KeySeparator + id.ProductName
}

// SplitKey reverses Key.
func SplitKey(key string) Identity {
	brand, product, _ := strings.Cut(key, KeySeparator)
	return Identity{BrandName: brand, ProductName: product}
}

// Resolver holds the extractor chains for identity fields.
type Resolver struct {
	Brand   []Extractor
	Product []Extractor
}

// DefaultResolver looks at the top-level field, then metadata in camelCase and snake_case.
var DefaultResolver = Resolver{
	Brand: []Extractor{
		func(r model.ScriptRecord) string { return r.BrandName },
		Metadata("brandName"),
		Metadata("brand_name"),
	},
	Product: []Extractor{
		func(r model.ScriptRecord) string { return r.ProductName },
		Metadata("productName"),
		Metadata("product_name"),
	},
}

// Resolve returns the identity of r using the default resolver.
func Resolve(r model.ScriptRecord) Identity {
	return DefaultResolver.Resolve(r)
}

// Key returns the group key of r using the default resolver.
func Key(r model.ScriptRecord) string {
	return Resolve(r).Key()
}

// Resolve returns the identity of r.
func (res Resolver) Resolve(r model.ScriptRecord) Identity {
	return Identity{
		BrandName:   First(r, model.UnknownBrand, res.Brand...),
		ProductName: First(r, model.UnknownProduct, res.Product...),
	}
}

// First runs the extractors in order and returns the first non-blank result, trimmed.
func First(r model.ScriptRecord, fallback string, chain ...Extractor) string {
	for _, extract := range chain {
		if v := strings.TrimSpace(extract(r)); v != "" {
			return v
		}
	}
	return fallback
}

// Metadata returns an extractor that reads a string value from the metadata bag.
// Non-string values count as missing.
func Metadata(key string) Extractor {
	return func(r model.ScriptRecord) string {
		if r.Metadata == nil {
			return ""
		}
		s, _ := r.Metadata[key].(string)
		return s
	}
}

// PreviewOf resolves the denormalized preview fields of r.
func PreviewOf(r model.ScriptRecord) model.Preview {
	return model.Preview{
		AdType:        model.AdType(First(r, string(model.AdTypeVideoScript), func(r model.ScriptRecord) string { return string(r.AdType) }, Metadata("adType"))),
		ImageURL:      First(r, "", func(r model.ScriptRecord) string { return r.ImageURL }, Metadata("imageUrl"), Metadata("image_url")),
		VideoURL:      First(r, "", func(r model.ScriptRecord) string { return r.VideoURL }, Metadata("videoUrl"), Metadata("video_url")),
		CampaignTheme: First(r, "", func(r model.ScriptRecord) string { return r.CampaignTheme }, Metadata("campaignTheme"), Metadata("campaign_theme")),
		Character:     First(r, "", func(r model.ScriptRecord) string { return r.Character }, Metadata("character")),
	}
}
