package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceIndexInsertAndContains(t *testing.T) {
	idx := NewTraceIndex()
	assert.False(t, idx.Contains(testDeployGVK, "ns/dep"))

	idx.Insert(testDeployGVK, "ns/dep", 123)
	assert.True(t, idx.Contains(testDeployGVK, "ns/dep"))

	hash, ok := idx.Get(testDeployGVK, "ns/dep")
	assert.True(t, ok)
	assert.Equal(t, uint64(123), hash)
}

func TestTraceIndexRemove(t *testing.T) {
	idx := NewTraceIndex()
	idx.Insert(testDeployGVK, "ns/dep", 123)
	idx.Remove(testDeployGVK, "ns/dep")
	assert.False(t, idx.Contains(testDeployGVK, "ns/dep"))
}

func TestTraceIndexFlattenedKeys(t *testing.T) {
	idx := NewTraceIndex()
	idx.Insert(testDeployGVK, "ns/dep", 123)

	keys := idx.FlattenedKeys()
	assert.Equal(t, []string{"apps/v1.Deployment ns/dep"}, keys)
}

func TestTraceIndexMsgpackRoundTrip(t *testing.T) {
	idx := NewTraceIndex()
	idx.Insert(testDeployGVK, "ns/dep", 123)

	trace := ExportedTrace{Version: CurrentTraceFormatVersion, Index: idx}
	data, err := trace.ToBytes()
	assert.NoError(t, err)

	decoded, err := ImportTrace(data, "", nil)
	assert.NoError(t, err)
	assert.True(t, decoded.Index.Contains(testDeployGVK, "ns/dep"))
}
