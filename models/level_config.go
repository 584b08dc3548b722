package models

import "fmt"

// LevelConfig: static membership tier table
type LevelConfig struct {
	Level      int    `json:"level"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"` // USDT cents
}

// LevelPriceCents returns the price of a level: 100 USDT for level 1 plus
// 50 USDT per additional level (level 19 = 1000 USDT).
func LevelPriceCents(level int) int64 {
	if level < 1 || level > MaxLevel {
		return 0
	}
	return int64(100+(level-1)*50) * 100
}

// Levels is indexed by level-1.
var Levels = buildLevels()

func buildLevels() []LevelConfig {
	named := map[int]string{
		1:  "Bronze Member",
		2:  "Silver Member",
		3:  "Gold Member",
		4:  "Platinum Member",
		5:  "Diamond Member",
		19: "Master Level",
	}
	levels := make([]LevelConfig, 0, MaxLevel)
	for l := 1; l <= MaxLevel; l++ {
		name, ok := named[l]
		if !ok {
			name = fmt.Sprintf("Elite Level %d", l)
		}
		levels = append(levels, LevelConfig{Level: l, Name: name, PriceCents: LevelPriceCents(l)})
	}
	return levels
}

// LevelByNumber returns the tier for level, or false when out of range.
func LevelByNumber(level int) (LevelConfig, bool) {
	if level < 1 || level > MaxLevel {
		return LevelConfig{}, false
	}
	return Levels[level-1], true
}

// LayerRewardCents is the value of a layer-N matching reward: the price of level N.
func LayerRewardCents(layer int) int64 {
	return LevelPriceCents(layer)
}
