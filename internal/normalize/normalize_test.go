package normalize

import (
	"testing"

	"github.com/RegistryAccord/scriptstudio-go/internal/model"
)

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name   string
		record model.ScriptRecord
		want   Identity
	}{
		{
			name:   "top level wins",
			record: model.ScriptRecord{BrandName: "Acme", ProductName: "Widget", Metadata: map[string]interface{}{"brandName": "Other"}},
			want:   Identity{"Acme", "Widget"},
		},
		{
			name:   "metadata camelCase",
			record: model.ScriptRecord{Metadata: map[string]interface{}{"brandName": "Acme", "productName": "Gadget"}},
			want:   Identity{"Acme", "Gadget"},
		},
		{
			name:   "metadata snake_case",
			record: model.ScriptRecord{Metadata: map[string]interface{}{"brand_name": "Acme", "product_name": "Gizmo"}},
			want:   Identity{"Acme", "Gizmo"},
		},
		{
			name:   "empty top level falls through",
			record: model.ScriptRecord{BrandName: "  ", Metadata: map[string]interface{}{"brandName": "Acme"}},
			want:   Identity{"Acme", model.UnknownProduct},
		},
		{
			name:   "non-string metadata is missing",
			record: model.ScriptRecord{Metadata: map[string]interface{}{"brandName": 42}},
			want:   Identity{model.UnknownBrand, model.UnknownProduct},
		},
		{
			name:   "orphan",
			record: model.ScriptRecord{},
			want:   Identity{model.UnknownBrand, model.UnknownProduct},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.record); got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestKeyIsIdempotent(t *testing.T) {
	r := model.ScriptRecord{Metadata: map[string]interface{}{"brandName": " Acme ", "productName": "Widget"}}
	first := Key(r)
	for i := 0; i < 3; i++ {
		if got := Key(r); got != first {
			t.Fatalf("Key() changed between calls: %q vs %q", got, first)
		}
	}
	if first != "Acme\x00Widget" {
		t.Fatalf("Key() = %q", first)
	}
}

func TestKeyAvoidsHyphenCollisions(t *testing.T) {
	a := Key(model.ScriptRecord{BrandName: "A-B", ProductName: "C"})
	b := Key(model.ScriptRecord{BrandName: "A", ProductName: "B-C"})
	if a == b {
		t.Fatalf("keys collide: %q", a)
	}
	if got := SplitKey(a); got.BrandName != "A-B" || got.ProductName != "C" {
		t.Fatalf("SplitKey() = %+v", got)
	}
}

func TestPreviewOf(t *testing.T) {
	r := model.ScriptRecord{
		AdType:   model.AdTypeImage,
		ImageURL: "https://cdn/img.png",
		Metadata: map[string]interface{}{"campaign_theme": "summer", "character": "Max"},
	}
	p := PreviewOf(r)
	if p.AdType != model.AdTypeImage || p.ImageURL != "https://cdn/img.png" || p.CampaignTheme != "summer" || p.Character != "Max" {
		t.Fatalf("PreviewOf() = %+v", p)
	}
	if PreviewOf(model.ScriptRecord{}).AdType != model.AdTypeVideoScript {
		t.Fatalf("default ad type not applied")
	}
}
