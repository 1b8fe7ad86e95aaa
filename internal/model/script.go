// Package model defines the data structures used throughout the script studio core.
// Records and version chains are owned by the backend; groups, brand summaries and
// cache entries are derived and disposable; drafts are client-owned until submission.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AdType discriminates how a script is rendered. It never affects grouping identity.
type AdType string

const (
	AdTypeVideoScript     AdType = "video-script"
	AdTypeImage           AdType = "image"
	AdTypeImageCampaign15 AdType = "image_campaign_15"
	AdTypeUGC             AdType = "ugc"
)

// Fallback identity used when a record carries no brand or product.
const (
	UnknownBrand   = "Unknown Brand"
	UnknownProduct = "Unknown Product"
)

// Timestamp is a creation time that accepts the shapes the backend has been seen to send:
// RFC 3339 strings, date-only strings, SQL-style datetimes and epoch milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	time.DateTime,
	time.DateOnly,
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp: invalid number %s", b)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler. The zero time encodes as null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses s using every accepted layout. An empty string is the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognized format %q", s)
}

// At builds a Timestamp from a time value.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// ScriptRecord is the atomic unit returned by the backend collaborator.
type ScriptRecord struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title,omitempty"`
	Content            string                 `json:"content,omitempty"`
	CreatedAt          Timestamp              `json:"createdAt"`
	BrandName          string                 `json:"brandName,omitempty"`
	ProductName        string                 `json:"productName,omitempty"`
	AdType             AdType                 `json:"adType,omitempty"`
	RegenerationPrompt string                 `json:"regenerationPrompt,omitempty"`
	Liked              *bool                  `json:"liked,omitempty"`
	ImageURL           string                 `json:"imageUrl,omitempty"`
	VideoURL           string                 `json:"videoUrl,omitempty"`
	CampaignTheme      string                 `json:"campaignTheme,omitempty"`
	Character          string                 `json:"character,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Kind returns the record's ad type, defaulting to video-script.
func (r ScriptRecord) Kind() AdType {
	if r.AdType == "" {
		return AdTypeVideoScript
	}
	return r.AdType
}

// IsLiked reports the liked flag, treating absence as false.
func (r ScriptRecord) IsLiked() bool {
	return r.Liked != nil && *r.Liked
}

// Clone returns a copy that shares no mutable state with r.
func (r ScriptRecord) Clone() ScriptRecord {
	cp := r
	if r.Liked != nil {
		v := *r.Liked
		cp.Liked = &v
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// ScriptDetail is the single-script response: the record plus, when the backend
// provides it, the full version history in generation order.
type ScriptDetail struct {
	ScriptRecord
	Versions []ScriptRecord `json:"versions,omitempty"`
}

// Preview holds the denormalized fields a group copies from its latest record.
type Preview struct {
	AdType        AdType `json:"adType"`
	ImageURL      string `json:"imageUrl,omitempty"`
	VideoURL      string `json:"videoUrl,omitempty"`
	CampaignTheme string `json:"campaignTheme,omitempty"`
	Character     string `json:"character,omitempty"`
}

// ScriptGroup aggregates every record that shares a brand/product identity.
type ScriptGroup struct {
	Key            string    `json:"key"`
	BrandName      string    `json:"brandName"`
	ProductName    string    `json:"productName"`
	ScriptCount    int       `json:"scriptCount"`
	LatestDate     Timestamp `json:"latestDate"`
	FirstDate      Timestamp `json:"firstDate"`
	FirstScriptID  string    `json:"firstScriptId"`
	LatestScriptID string    `json:"latestScriptId"`
	Preview
}

// BrandSummary is one brand in the navigation hierarchy with its product groups.
type BrandSummary struct {
	BrandName    string        `json:"brandName"`
	ScriptCount  int           `json:"scriptCount"`
	ProductCount int           `json:"productCount"`
	LatestDate   Timestamp     `json:"latestDate"`
	Products     []ScriptGroup `json:"products"`
}

// ScriptVersion is one entry of a version chain. Number is the 1-based position.
type ScriptVersion struct {
	Number int          `json:"version"`
	Record ScriptRecord `json:"record"`
}

// Label returns the display label, marking the first version as the original.
func (v ScriptVersion) Label() string {
	if v.Number == 1 {
		return "Version 1 (Original)"
	}
	return fmt.Sprintf("Version %d", v.Number)
}

// RegenerationOutcome tracks how a regeneration attempt ended.
type RegenerationOutcome string

const (
	RegenerationPending   RegenerationOutcome = "pending"
	RegenerationSucceeded RegenerationOutcome = "succeeded"
	RegenerationFailed    RegenerationOutcome = "failed"
)

// RegenerationRequest is the in-memory audit record of a regeneration instruction.
type RegenerationRequest struct {
	ID        string              `json:"id"`
	Content   string              `json:"content"`
	Timestamp time.Time           `json:"timestamp"`
	Outcome   RegenerationOutcome `json:"outcome"`
	Error     string              `json:"error,omitempty"`
}

// Draft is the complete multi-step wizard answer set, flattened into one object.
type Draft struct {
	Fields    map[string]interface{} `json:"fields"`
	Step      int                    `json:"step"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// MergeSteps flattens per-step answer objects into one Draft. Later steps win on
// key collisions.
func MergeSteps(step int, steps ...map[string]interface{}) Draft {
	fields := make(map[string]interface{})
	for _, s := range steps {
		for k, v := range s {
			fields[k] = v
		}
	}
	return Draft{Fields: fields, Step: step}
}

// IsEmpty reports whether the draft carries no answers.
func (d Draft) IsEmpty() bool { return len(d.Fields) == 0 }

// WorkingCopy is a locally persisted edit of a chain's newest version that has not yet
// been confirmed by the backend.
type WorkingCopy struct {
	ScriptID  string    `json:"scriptId"`
	VersionID string    `json:"versionId"`
	Content   string    `json:"content"`
	SavedAt   time.Time `json:"savedAt"`
}

// GenerateResult is the backend's answer to a generation request.
type GenerateResult struct {
	Success bool          `json:"success"`
	Script  *ScriptRecord `json:"script,omitempty"`
	Message string        `json:"message,omitempty"`
}
