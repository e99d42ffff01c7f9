package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentKeyAccessorsReadEachLegacyField(t *testing.T) {
	variants := map[string]Document{
		"documentId": {ID: "7e0c", LegacyKeys: LegacyDocumentKeys{DocumentID: "legacy-42"}},
		"_id":        {ID: "7e0c", LegacyKeys: LegacyDocumentKeys{ObjectID: "legacy-42"}},
		"filename":   {ID: "7e0c", LegacyKeys: LegacyDocumentKeys{Filename: "legacy-42"}},
	}
	for field, doc := range variants {
		var matched []string
		for _, accessor := range DocumentKeyAccessors {
			if accessor.Get(doc) == "legacy-42" {
				matched = append(matched, accessor.Name)
			}
		}
		require.Equal(t, []string{field}, matched, field)
	}
}

func TestDocumentKeyAccessorsPreferCanonicalID(t *testing.T) {
	names := make([]string, len(DocumentKeyAccessors))
	for i, accessor := range DocumentKeyAccessors {
		names[i] = accessor.Name
		require.NotEmpty(t, accessor.Column, accessor.Name)
	}
	require.Equal(t, []string{"id", "documentId", "_id", "filename"}, names)
	require.Equal(t, "7e0c", DocumentKeyAccessors[0].Get(Document{ID: "7e0c"}))
}

func TestLegacyKeysScan(t *testing.T) {
	var keys LegacyDocumentKeys
	require.NoError(t, keys.Scan([]byte(`{"_id":"abc","filename":"f.pdf"}`)))
	require.Equal(t, "abc", keys.ObjectID)
	require.Equal(t, "f.pdf", keys.Filename)

	require.NoError(t, keys.Scan(nil))
	require.Equal(t, LegacyDocumentKeys{}, keys)
	require.Error(t, keys.Scan(42))
}
