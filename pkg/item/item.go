// Package item defines DataItem, the canonical record produced by every
// connector regardless of source family.
package item

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel validation errors.
var (
	ErrMissingSourceID = errors.New("data item requires a source id")
	ErrMissingContent  = errors.New("data item requires content")
)

// DataItem is the normalized record for a single collected artifact.
// SourceID and Content are required; Timestamp is never zero after New.
type DataItem struct {
	SourceID    string         `json:"source_id"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type,omitempty"`
	URL         string         `json:"url,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Language    string         `json:"language,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Raw holds the opaque provider payload for debugging. It is never
	// serialized to the wire form.
	Raw any `json:"-"`
}

// New creates a DataItem with the required fields, stamping the creation
// time when the source provides none.
func New(sourceID, content string) (*DataItem, error) {
	if sourceID == "" {
		return nil, ErrMissingSourceID
	}

	if content == "" {
		return nil, ErrMissingContent
	}

	return &DataItem{
		SourceID:  sourceID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}, nil
}

// WithMeta sets a metadata key and returns the item for chaining.
func (d *DataItem) WithMeta(key string, value any) *DataItem {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}

	d.Metadata[key] = value

	return d
}

// Validate checks the DataItem invariants: required fields present and a
// non-zero timestamp.
func (d *DataItem) Validate() error {
	if d.SourceID == "" {
		return ErrMissingSourceID
	}

	if d.Content == "" {
		return ErrMissingContent
	}

	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	return nil
}

// MarshalJSON emits the canonical wire form: RFC 3339 timestamps, Raw erased.
func (d *DataItem) MarshalJSON() ([]byte, error) {
	type wire DataItem

	out, err := json.Marshal((*wire)(d))
	if err != nil {
		return nil, fmt.Errorf("marshal data item: %w", err)
	}

	return out, nil
}

// FromMap rebuilds a DataItem from a generic record, as returned by a Store.
func FromMap(record map[string]any) (*DataItem, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	var di DataItem

	unmarshalErr := json.Unmarshal(raw, &di)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("decode record: %w", unmarshalErr)
	}

	validateErr := di.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &di, nil
}

// ToMap converts the DataItem to a generic record for a Store.
func (d *DataItem) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode data item: %w", err)
	}

	var record map[string]any

	unmarshalErr := json.Unmarshal(raw, &record)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("decode data item: %w", unmarshalErr)
	}

	return record, nil
}
