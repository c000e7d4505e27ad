package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecodeRoundTrip(t *testing.T) {
	occurredAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m, err := New(TypeWriteSimpleValue, WriteSimpleValueMeta{Key: "k", Value: `"v"`}, occurredAt)
	require.NoError(t, err)
	assert.Equal(t, occurredAt, m.OccurredAt)

	decoded, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, WriteSimpleValueMeta{Key: "k", Value: `"v"`}, decoded)
}

func TestDecodeUnknownTypeIsForwardCompatible(t *testing.T) {
	m, err := New(Type("SOMETHING_FUTURE"), map[string]string{"x": "y"}, time.Now())
	require.NoError(t, err)

	decoded, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: Type("SOMETHING_FUTURE")}, decoded)
}

func TestDecodeHashmapNullValueMapsToDelete(t *testing.T) {
	m, err := New(TypeWriteHashmapValue, WriteHashmapValueMeta{Key: "k", Field: "f", Value: nil}, time.Now())
	require.NoError(t, err)

	decoded, err := Decode(m)
	require.NoError(t, err)
	meta, ok := decoded.(WriteHashmapValueMeta)
	require.True(t, ok)
	assert.Nil(t, meta.Value)
}
