package model

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/bdleasure/impossibledb/internal/apperrors"
)

// Reserved metadata field names. The store owns these; user payloads
// may not set them.
const (
	FieldID         = "_id"
	FieldCollection = "_collection"
	FieldVersion    = "_version"
	FieldCreatedAt  = "_createdAt"
	FieldUpdatedAt  = "_updatedAt"
)

// ReservedFields lists all metadata field names owned by the store.
var ReservedFields = []string{FieldID, FieldCollection, FieldVersion, FieldCreatedAt, FieldUpdatedAt}

var (
	documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,100}$`)
	collectionPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
)

// Document is a stored document: user payload plus store-owned metadata.
// Version is strictly monotonic per (collection, id); CreatedAt is set on
// first write and never changes.
type Document struct {
	ID         string
	Collection string
	Version    int64
	CreatedAt  int64
	UpdatedAt  int64
	Payload    map[string]interface{}
}

// MarshalJSON flattens the payload and the reserved metadata fields into
// a single JSON object, matching the wire and on-disk format.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Payload)+5)
	for k, v := range d.Payload {
		out[k] = v
	}
	out[FieldID] = d.ID
	out[FieldCollection] = d.Collection
	out[FieldVersion] = d.Version
	out[FieldCreatedAt] = d.CreatedAt
	out[FieldUpdatedAt] = d.UpdatedAt
	return json.Marshal(out)
}

// UnmarshalJSON splits a flattened object back into metadata and payload.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if id, ok := raw[FieldID].(string); ok {
		d.ID = id
	}
	if coll, ok := raw[FieldCollection].(string); ok {
		d.Collection = coll
	}
	d.Version = toInt64(raw[FieldVersion])
	d.CreatedAt = toInt64(raw[FieldCreatedAt])
	d.UpdatedAt = toInt64(raw[FieldUpdatedAt])
	d.Payload = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if IsReservedField(k) {
			continue
		}
		d.Payload[k] = v
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// Field resolves a dotted path against the document. Reserved field
// names resolve to metadata; everything else resolves into the payload.
// The second return is false when the path is undefined.
func (d *Document) Field(path string) (interface{}, bool) {
	switch path {
	case FieldID:
		return d.ID, true
	case FieldCollection:
		return d.Collection, true
	case FieldVersion:
		return d.Version, true
	case FieldCreatedAt:
		return d.CreatedAt, true
	case FieldUpdatedAt:
		return d.UpdatedAt, true
	}
	return LookupPath(d.Payload, path)
}

// LookupPath resolves a dotted path like "a.b.c" inside a nested map.
// A missing segment or a non-object intermediate yields (nil, false).
func LookupPath(obj map[string]interface{}, path string) (interface{}, bool) {
	if obj == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current interface{} = obj
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsReservedField reports whether name is a store-owned metadata field.
func IsReservedField(name string) bool {
	switch name {
	case FieldID, FieldCollection, FieldVersion, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}

// StripReservedFields returns a copy of payload without reserved keys.
func StripReservedFields(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if IsReservedField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// ValidateDocumentID checks the document id charset and length.
func ValidateDocumentID(id string) error {
	if !documentIDPattern.MatchString(id) {
		return apperrors.Newf(apperrors.CodeInvalidDocument,
			"invalid document id %q: must match [A-Za-z0-9_.:-]{1,100}", id)
	}
	return nil
}

// ValidateCollectionName checks the collection charset, length, and the
// reserved "__" prefix.
func ValidateCollectionName(name string) error {
	if !collectionPattern.MatchString(name) {
		return apperrors.Newf(apperrors.CodeInvalidDocument,
			"invalid collection name %q: must match [A-Za-z0-9_]{1,50}", name)
	}
	if strings.HasPrefix(name, "__") {
		return apperrors.Newf(apperrors.CodeInvalidDocument,
			"invalid collection name %q: names starting with __ are reserved", name)
	}
	return nil
}
