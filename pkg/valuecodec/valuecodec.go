// Package valuecodec encodes structured documents stored as leaf
// values, adapted from pkg/storage/bson.go, which
// stored whole bson.D documents as leaf payloads directly; here the
// same encode/decode pair feeds types.Value bytes that may then be
// routed through pkg/valuestream when they overflow a leaf's inline
// budget, so the codec itself stays agnostic to where the bytes end
// up landing.
package valuecodec

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/latchtree/latchtree/pkg/types"
)

// Marshal encodes doc as BSON bytes suitable for storage as a
// types.Value.
func Marshal(doc bson.D) (types.Value, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("valuecodec: marshal: %w", err)
	}
	return types.Value(data), nil
}

// Unmarshal decodes a types.Value back into a bson.D, preserving
// field order the way UnmarshalBson does.
func Unmarshal(value types.Value) (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(value, &doc); err != nil {
		return nil, fmt.Errorf("valuecodec: unmarshal: %w", err)
	}
	return doc, nil
}

// FromJSON converts canonical extended JSON into a types.Value,
// mirroring the JsonToBson entry point for document ingest.
func FromJSON(jsonStr string) (types.Value, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, fmt.Errorf("valuecodec: from json: %w", err)
	}
	return Marshal(doc)
}

// ToJSON renders a stored value back to canonical extended JSON, for
// diagnostics.
func ToJSON(value types.Value) (string, error) {
	var doc bson.D
	if err := bson.Unmarshal(value, &doc); err != nil {
		return "", fmt.Errorf("valuecodec: to json: %w", err)
	}
	out, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", fmt.Errorf("valuecodec: marshal json: %w", err)
	}
	return string(out), nil
}
