package render

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

const (
	DefaultColor = "#3388ff"
	FirstColor   = "#FF0000"

	// maxRandomColor keeps generated colours dark enough to read on light tiles.
	maxRandomColor = 0x888888
)

// ColorSource hands out line colours for the second and later tracks.
type ColorSource interface {
	Next() string
}

// RandomColors draws "#rrggbb" colours from a seeded PCG generator, so a
// fixed seed reproduces the same map.
type RandomColors struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomColors(seed uint64) *RandomColors {
	return &RandomColors{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *RandomColors) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("#%06x", c.rng.IntN(maxRandomColor+1))
}

// maxDraws bounds how often a slot asks the source again after a repeat.
const maxDraws = 16

// pickColors assigns one colour per track. A single track keeps the Leaflet
// default; otherwise the first is red and the rest come from src. A repeated
// colour is drawn again; a source that keeps repeating falls back to
// fallbackColor, so every track still gets a distinct colour.
func pickColors(n int, src ColorSource) []string {
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []string{DefaultColor}
	}
	colors := make([]string, 0, n)
	colors = append(colors, FirstColor)
	used := map[string]bool{strings.ToLower(FirstColor): true}
	for i := 1; i < n; i++ {
		var c string
		found := false
		for draw := 0; draw < maxDraws && !found; draw++ {
			c = src.Next()
			found = c != "" && !used[strings.ToLower(c)]
		}
		if !found {
			c = fallbackColor(i, used)
		}
		used[strings.ToLower(c)] = true
		colors = append(colors, c)
	}
	return colors
}

// fallbackColor derives an unused colour from the slot index.
func fallbackColor(i int, used map[string]bool) string {
	const span = maxRandomColor + 1
	v := (i * 0x2f1b3d) % span
	for {
		c := fmt.Sprintf("#%06x", v)
		if !used[c] {
			return c
		}
		v = (v + 1) % span
	}
}
