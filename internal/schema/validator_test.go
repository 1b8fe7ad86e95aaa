package schema

import "testing"

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	tests := []struct {
		name  string
		kind  Kind
		raw   string
		valid bool
	}{
		{"list ok", ScriptList, `[{"id":"a","title":"t"},{"id":"b","metadata":{"brandName":"Acme"}}]`, true},
		{"list without id", ScriptList, `[{"title":"t"}]`, false},
		{"list not array", ScriptList, `{"id":"a"}`, false},
		{"detail ok", ScriptDetail, `{"id":"a","content":"hello"}`, true},
		{"detail with versions", ScriptDetail, `{"id":"a","content":"x","versions":[{"id":"a","content":"x"},{"id":"b","content":"y"}]}`, true},
		{"detail missing content", ScriptDetail, `{"id":"a"}`, false},
		{"detail version missing content", ScriptDetail, `{"id":"a","content":"x","versions":[{"id":"b"}]}`, false},
		{"generate ok", GenerateResponse, `{"success":true,"script":{"id":"a","content":"x"}}`, true},
		{"generate failure", GenerateResponse, `{"success":false,"message":"quota exceeded"}`, true},
		{"generate success without script", GenerateResponse, `{"success":true}`, false},
		{"generate script without content", GenerateResponse, `{"success":true,"script":{"id":"a"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.kind, []byte(tt.raw))
			if tt.valid && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Validate() error = nil, want failure")
			}
		})
	}
}

func TestValidateUnknownKind(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	if err := v.Validate(Kind("nope"), []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
