package game

import "time"

// PlayerRecord is one entry in a room's players array. Records never leave
// the array implicitly; only explicit END/LEAVE flows remove a player.
type PlayerRecord struct {
	ID         string
	JoinedAt   int64 // unix millis
	Profile    map[string]any
	Score      float64
	Lives      float64
	Active     bool
	Eliminated bool
}

// NewPlayerRecord builds an active, non-eliminated record.
func NewPlayerRecord(id string, profile map[string]any, now time.Time) PlayerRecord {
	return PlayerRecord{
		ID:       id,
		JoinedAt: now.UTC().UnixMilli(),
		Profile:  profile,
		Active:   true,
	}
}

// fields encodes the record as a JSON-shaped map for the state document.
func (p PlayerRecord) fields() map[string]any {
	out := map[string]any{
		"id":         p.ID,
		"joinedAt":   float64(p.JoinedAt),
		"score":      p.Score,
		"lives":      p.Lives,
		"active":     p.Active,
		"eliminated": p.Eliminated,
	}
	if len(p.Profile) > 0 {
		out["profile"] = p.Profile
	}
	return out
}

// playerFromFields decodes a record from a JSON-shaped map. Entries with
// no id are rejected.
func playerFromFields(fields map[string]any) (PlayerRecord, bool) {
	id, _ := fields["id"].(string)
	if id == "" {
		return PlayerRecord{}, false
	}
	record := PlayerRecord{ID: id}
	if value, ok := numeric(fields["joinedAt"]); ok {
		record.JoinedAt = int64(value)
	}
	if value, ok := numeric(fields["score"]); ok {
		record.Score = value
	}
	if value, ok := numeric(fields["lives"]); ok {
		record.Lives = value
	}
	if value, ok := fields["active"].(bool); ok {
		record.Active = value
	}
	if value, ok := fields["eliminated"].(bool); ok {
		record.Eliminated = value
	}
	if value, ok := fields["profile"].(map[string]any); ok {
		record.Profile = value
	}
	return record, true
}

func numeric(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

// NextTurnHolder returns the id of the next non-eliminated player after
// current, walking the players slice in insertion order and wrapping.
// When current is the sole remaining player, current is returned.
func NextTurnHolder(players []PlayerRecord, current string) string {
	if len(players) == 0 {
		return ""
	}
	start := -1
	for i, p := range players {
		if p.ID == current {
			start = i
			break
		}
	}
	if start == -1 {
		// Unknown holder: fall back to the first eligible player.
		for _, p := range players {
			if !p.Eliminated {
				return p.ID
			}
		}
		return ""
	}
	for offset := 1; offset <= len(players); offset++ {
		candidate := players[(start+offset)%len(players)]
		if !candidate.Eliminated {
			return candidate.ID
		}
	}
	return current
}
