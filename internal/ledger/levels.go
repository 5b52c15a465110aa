package ledger

// levelThresholds are the cumulative XP amounts at which a user advances.
var levelThresholds = []int{0, 1000, 2500, 5000, 10000}

// UserLevel derives a user level and the XP remaining to the next one from a
// total XP amount.
func UserLevel(totalXP int) (level, toNext int) {
	level = 1
	for i, threshold := range levelThresholds {
		if totalXP >= threshold {
			level = i + 1
		}
	}
	var next int
	if level < len(levelThresholds) {
		next = levelThresholds[level]
	} else {
		next = levelThresholds[len(levelThresholds)-1] * 2
	}
	toNext = next - totalXP
	if toNext < 0 {
		toNext = 0
	}
	return level, toNext
}
