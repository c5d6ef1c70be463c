package game

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind tags are free-form strings assembled by the analyzer from detected
// characteristics, e.g. "board-3x3-turn-based" or "canvas-realtime". The
// helpers below extract the facts the generic handlers need.

// IsTurnBased reports whether a kind implies strict turn rotation.
func IsTurnBased(kind string) bool {
	kind = strings.ToLower(kind)
	return strings.Contains(kind, "turn-based") || strings.Contains(kind, "board")
}

// DefaultMaxPlayers is the generic admission cap: two seats for turn-based
// and board games, eight otherwise. A validator's declared maxPlayers
// overrides this.
func DefaultMaxPlayers(kind string) int {
	if IsTurnBased(kind) {
		return 2
	}
	return 8
}

// DefaultMinPlayers is the generic START threshold. A validator's declared
// minPlayers overrides this.
func DefaultMinPlayers(kind string) int {
	if IsTurnBased(kind) {
		return 2
	}
	return 1
}

var boardSizePattern = regexp.MustCompile(`(\d+)x(\d+)`)

// BoardSize extracts a RxC token from the kind tag, e.g. "3x3".
func BoardSize(kind string) (rows, cols int, ok bool) {
	match := boardSizePattern.FindStringSubmatch(strings.ToLower(kind))
	if match == nil {
		return 0, 0, false
	}
	rows, errRows := strconv.Atoi(match[1])
	cols, errCols := strconv.Atoi(match[2])
	if errRows != nil || errCols != nil || rows <= 0 || cols <= 0 {
		return 0, 0, false
	}
	return rows, cols, true
}
