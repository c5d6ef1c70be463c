package game

// Document is a room's authoritative state: an opaque JSON object whose
// schema belongs to the room's validator. The accessors below cover the
// conventional keys maintained by the generic handlers (phase, players,
// currentTurn, winner); validators are free to store anything else.
type Document map[string]any

// Reserved document keys maintained by the generic handlers.
const (
	keyPhase       = "phase"
	keyPlayers     = "players"
	keyCurrentTurn = "currentTurn"
	keyWinner      = "winner"
	keyRound       = "round"
	keyStartedAt   = "startedAt"
	keyEndedAt     = "endedAt"
)

// NewDocument returns a fresh lobby document with no players.
func NewDocument() Document {
	return Document{
		keyPhase:   string(PhaseLobby),
		keyPlayers: []any{},
	}
}

// Clone deep-copies the document. Commits operate on clones so a rejected
// validation can never leak partial mutations into cached state.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return deepCopyMap(d)
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return deepCopyMap(value)
	case Document:
		return Document(deepCopyMap(value))
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// Phase returns the document phase, defaulting to lobby when unset.
func (d Document) Phase() Phase {
	if value, ok := d[keyPhase].(string); ok && value != "" {
		return Phase(value)
	}
	return PhaseLobby
}

// SetPhase records the document phase.
func (d Document) SetPhase(phase Phase) {
	d[keyPhase] = string(phase)
}

// Players decodes the players array in insertion order. Unknown entries
// are skipped rather than failing: the document is untrusted input once a
// validator has rewritten it.
func (d Document) Players() []PlayerRecord {
	raw, ok := d[keyPlayers].([]any)
	if !ok {
		return nil
	}
	players := make([]PlayerRecord, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		record, ok := playerFromFields(fields)
		if !ok {
			continue
		}
		players = append(players, record)
	}
	return players
}

// SetPlayers replaces the players array, preserving the given order.
func (d Document) SetPlayers(players []PlayerRecord) {
	raw := make([]any, 0, len(players))
	for _, p := range players {
		raw = append(raw, p.fields())
	}
	d[keyPlayers] = raw
}

// Player finds one player record by id.
func (d Document) Player(id string) (PlayerRecord, bool) {
	for _, p := range d.Players() {
		if p.ID == id {
			return p, true
		}
	}
	return PlayerRecord{}, false
}

// AddPlayer appends a player, keeping insertion order for turn rotation.
func (d Document) AddPlayer(record PlayerRecord) {
	players := d.Players()
	players = append(players, record)
	d.SetPlayers(players)
}

// UpdatePlayer replaces the record matching record.ID in place.
func (d Document) UpdatePlayer(record PlayerRecord) bool {
	players := d.Players()
	for i, p := range players {
		if p.ID == record.ID {
			players[i] = record
			d.SetPlayers(players)
			return true
		}
	}
	return false
}

// CurrentTurn returns the id of the turn holder, empty when unset.
func (d Document) CurrentTurn() string {
	value, _ := d[keyCurrentTurn].(string)
	return value
}

// SetCurrentTurn records the turn holder. Empty clears it to null, which
// is the wire shape clients expect before the first join.
func (d Document) SetCurrentTurn(playerID string) {
	if playerID == "" {
		d[keyCurrentTurn] = nil
		return
	}
	d[keyCurrentTurn] = playerID
}

// Winner returns the recorded winner id, empty when the game is undecided.
func (d Document) Winner() string {
	value, _ := d[keyWinner].(string)
	return value
}

// SetWinner records the winner id.
func (d Document) SetWinner(playerID string) {
	d[keyWinner] = playerID
}

// Number reads a numeric key, tolerating both float64 (JSON decode) and
// int (in-process construction).
func (d Document) Number(key string) (float64, bool) {
	switch value := d[key].(type) {
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

// SetNumber writes a numeric key.
func (d Document) SetNumber(key string, value float64) {
	d[key] = value
}

// String reads a string key.
func (d Document) String(key string) (string, bool) {
	value, ok := d[key].(string)
	return value, ok
}
