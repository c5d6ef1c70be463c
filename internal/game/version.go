package game

// NextVersion computes the version for a new commit.
//
// The source history mixed two schemes (wall-clock milliseconds and a
// strict counter); this implementation settles on the strict counter so
// versions are dense and gap detection on the client is meaningful. A
// room imported with a legacy millisecond version keeps increasing from
// that value, which preserves strict monotonicity either way.
func NextVersion(current int64) int64 {
	if current < 0 {
		current = 0
	}
	return current + 1
}
