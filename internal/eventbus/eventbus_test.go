package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionOfIsStable(t *testing.T) {
	a := PartitionOf("default/sensor-1", 8)
	b := PartitionOf("default/sensor-1", 8)
	assert.Equal(t, a, b)
}

func TestPartitionOfSpreadsDistinctKeys(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		seen[PartitionOf(string(rune('a'+i%26))+string(rune(i)), 8)] = true
	}
	assert.Greater(t, len(seen), 1, "64 distinct keys should not all land on one partition")
}

func TestPartitionOfSinglePartitionAlwaysZero(t *testing.T) {
	assert.Equal(t, 0, PartitionOf("anything", 1))
	assert.Equal(t, 0, PartitionOf("anything", 0))
}
