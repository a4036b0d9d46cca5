package parallel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeWith_CoversEveryIndexOnce(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		n    int
	}{
		{"sequential", Config{Workers: 1, Grain: 4}, 100},
		{"parallel", Config{Workers: 4, Grain: 8}, 1001},
		{"below grain", Config{Workers: 8, Grain: 1000}, 1500},
		{"empty", Config{Workers: 4, Grain: 1}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hits := make([]int, tc.n)
			var mu sync.Mutex
			calls := 0
			RangeWith(tc.cfg, tc.n, func(start, end int) {
				mu.Lock()
				calls++
				mu.Unlock()
				for i := start; i < end; i++ {
					hits[i]++
				}
			})
			for i, h := range hits {
				assert.Equal(t, 1, h, "index %d", i)
			}
			if tc.n == 0 {
				assert.Zero(t, calls)
			}
		})
	}
}

func TestRangeWith_ChunkCount(t *testing.T) {
	var mu sync.Mutex
	var chunks [][2]int
	RangeWith(Config{Workers: 4, Grain: 10}, 100, func(start, end int) {
		mu.Lock()
		chunks = append(chunks, [2]int{start, end})
		mu.Unlock()
	})
	assert.Len(t, chunks, 4)

	chunks = nil
	RangeWith(Config{Workers: 4, Grain: 60}, 100, func(start, end int) {
		chunks = append(chunks, [2]int{start, end})
	})
	assert.Equal(t, [][2]int{{0, 100}}, chunks, "fewer than two grains run inline")
}

func TestSet(t *testing.T) {
	prev := Set(Config{Workers: 1, Grain: 1})
	defer Set(prev)
	assert.Equal(t, Config{Workers: 1, Grain: 1}, Get())
}
