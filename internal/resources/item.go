// Package resources holds the JSON surgery applied to resource items as they move from the
// source to the target: decoding pages, stripping source-only fields, building natural-key
// queries and overlaying changed key values.
package resources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// FieldID is the source-assigned resource identifier
	FieldID = "id"

	// FieldETag is the optimistic concurrency token
	FieldETag = "_etag"

	// FieldLastModifiedDate is the server-maintained modification timestamp
	FieldLastModifiedDate = "_lastModifiedDate"

	// FieldLink is the hypermedia link carried by references
	FieldLink = "link"

	// FieldKeyValues carries the natural key of a deleted item
	FieldKeyValues = "keyValues"

	// FieldOldKeyValues carries the previous natural key of a key-changed item
	FieldOldKeyValues = "oldKeyValues"

	// FieldNewKeyValues carries the current natural key of a key-changed item
	FieldNewKeyValues = "newKeyValues"

	// FieldChangeVersion is the change version at which the item was recorded
	FieldChangeVersion = "changeVersion"

	referenceSuffix  = "Reference"
	descriptorSuffix = "Descriptors"
)

// Item is a single resource document. Resource shapes vary by data model, so items are kept
// as generic JSON trees and edited through the named operations in this package.
type Item map[string]any

// DecodeItems decodes a JSON array page into items, keeping numbers as json.Number so that
// identifiers and key values survive the round trip unchanged.
func DecodeItems(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, fmt.Errorf("page is not valid JSON")
	}
	if !gjson.ParseBytes(trimmed).IsArray() {
		return nil, fmt.Errorf("page is not a JSON array")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var items []Item
	if err := decoder.Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	return items, nil
}

// DecodeItem decodes a single JSON object
func DecodeItem(data []byte) (Item, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var item Item
	if err := decoder.Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("item is not a JSON object")
	}
	return item, nil
}

// Marshal encodes the item as JSON
func (i Item) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(i))
}

// ID returns the item's resource identifier, or "" when absent
func (i Item) ID() string {
	id, _ := i[FieldID].(string)
	return id
}

// Object returns the nested object stored under key
func (i Item) Object(key string) (map[string]any, bool) {
	obj, ok := i[key].(map[string]any)
	return obj, ok
}

// Clone returns a deep copy of the item
func (i Item) Clone() Item {
	if i == nil {
		return nil
	}
	return cloneValue(map[string]any(i)).(map[string]any)
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, child := range typed {
			out[k] = cloneValue(child)
		}
		return out
	case Item:
		return Item(cloneValue(map[string]any(typed)).(map[string]any))
	case []any:
		out := make([]any, len(typed))
		for idx, child := range typed {
			out[idx] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// StripForUpsert returns a copy of item without the fields a target rejects or would
// misinterpret on POST: the source id, etag, last-modified date, reference links and, for
// descriptors, the surrogate descriptor id.
func StripForUpsert(item Item, resourcePath string) Item {
	out := item.Clone()
	delete(out, FieldID)
	delete(out, FieldETag)
	delete(out, FieldLastModifiedDate)
	if IsDescriptor(resourcePath) {
		delete(out, DescriptorIDField(resourcePath))
	}
	stripReferenceLinks(map[string]any(out))
	return out
}

// StripForUpdate removes the fields that must not be echoed back on PUT
func StripForUpdate(item Item) Item {
	out := item.Clone()
	delete(out, FieldID)
	delete(out, FieldETag)
	delete(out, FieldLastModifiedDate)
	stripReferenceLinks(map[string]any(out))
	return out
}

func stripReferenceLinks(obj map[string]any) {
	for key, value := range obj {
		switch typed := value.(type) {
		case map[string]any:
			if strings.HasSuffix(key, referenceSuffix) {
				delete(typed, FieldLink)
			}
			stripReferenceLinks(typed)
		case []any:
			for _, element := range typed {
				if child, ok := element.(map[string]any); ok {
					stripReferenceLinks(child)
				}
			}
		}
	}
}

// IsDescriptor reports whether the resource path names a descriptor resource
func IsDescriptor(resourcePath string) bool {
	return strings.HasSuffix(strings.TrimSuffix(strings.ToLower(Name(resourcePath)), "#retry"),
		strings.ToLower(descriptorSuffix))
}

// Name returns the last path segment of a resource path
// (e.g. "students" for "/ed-fi/students").
func Name(resourcePath string) string {
	trimmed := strings.TrimSuffix(resourcePath, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// DescriptorIDField returns the surrogate id property of a descriptor resource
// (e.g. "academicSubjectDescriptorId" for "/ed-fi/academicSubjectDescriptors").
func DescriptorIDField(resourcePath string) string {
	return strings.TrimSuffix(Name(resourcePath), "s") + "Id"
}

// KeyValues returns the natural key object stored under field (keyValues, oldKeyValues or
// newKeyValues). ok is false when the item does not carry a non-empty key object, which
// means the source does not expose the metadata required for deletes or key changes.
func KeyValues(item Item, field string) (map[string]any, bool) {
	keys, ok := item.Object(field)
	if !ok || len(keys) == 0 {
		return nil, false
	}
	return keys, true
}

// OverlayKeyValues writes the new natural key values into item. A key is updated at the top
// level when present there and inside every top-level reference object that carries it.
// Child collections and nested objects keep their values: they identify other items. Keys
// found nowhere are added at the top level.
func OverlayKeyValues(item Item, newKeys map[string]any) {
	for key, value := range newKeys {
		found := false
		if _, ok := item[key]; ok {
			item[key] = value
			found = true
		}
		if overlayReferences(item, key, value) {
			found = true
		}
		if !found {
			item[key] = value
		}
	}
}

func overlayReferences(item Item, key string, value any) bool {
	found := false
	for name, child := range item {
		reference, ok := child.(map[string]any)
		if !ok || !strings.HasSuffix(name, referenceSuffix) {
			continue
		}
		if _, ok := reference[key]; ok {
			reference[key] = value
			found = true
		}
	}
	return found
}

// MergeKeyValues returns a copy of keys with overrides applied
func MergeKeyValues(keys, overrides map[string]any) map[string]any {
	out := maps.Clone(keys)
	if out == nil {
		out = make(map[string]any, len(overrides))
	}
	maps.Copy(out, overrides)
	return out
}
