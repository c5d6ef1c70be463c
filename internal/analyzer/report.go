// Package analyzer classifies a source game document and produces the
// structural report that drives prompt construction, validator synthesis,
// and marker injection. Analysis is best-effort: a document with no
// recognizable signals still yields a usable report tagged custom-game.
package analyzer

// Report is the structural summary of one source document.
type Report struct {
	// Kind is a free-form tag built from the detected characteristics,
	// e.g. "board-3x3-turn-based" or "canvas-realtime".
	Kind string `json:"kind"`
	// Characteristics lists every detected characteristic in priority
	// order, strongest first.
	Characteristics []string `json:"characteristics,omitempty"`

	Mechanics    Mechanics    `json:"mechanics"`
	Elements     Elements     `json:"elements"`
	Interactions Interactions `json:"interactions"`
	State        State        `json:"state"`
	Network      Network      `json:"network"`
	Complexity   Complexity   `json:"complexity"`
}

// Mechanics is the detected mechanics flag set.
type Mechanics struct {
	Turns        bool `json:"turns"`
	Board        bool `json:"board"`
	Score        bool `json:"score"`
	Timer        bool `json:"timer"`
	Levels       bool `json:"levels"`
	Lives        bool `json:"lives"`
	Realtime     bool `json:"realtime"`
	WinCondition bool `json:"winCondition"`
	Physics      bool `json:"physics"`
	Rounds       bool `json:"rounds"`
}

// Elements inventories the document's interactive surface.
type Elements struct {
	// Buttons holds button labels, falling back to ids when unlabeled.
	Buttons    []string `json:"buttons,omitempty"`
	HasForm    bool     `json:"hasForm"`
	HasCanvas  bool     `json:"hasCanvas"`
	InputCount int      `json:"inputCount"`
	// Board dimensions when inferrable from an explicit token or a
	// counted cell grid; zero otherwise.
	BoardRows int `json:"boardRows,omitempty"`
	BoardCols int `json:"boardCols,omitempty"`
	CellCount int `json:"cellCount,omitempty"`
	// Marked counts elements already carrying conversion markers.
	Marked int `json:"marked,omitempty"`
}

// Interactions inventories how the player drives the game.
type Interactions struct {
	ClickTargets int  `json:"clickTargets"`
	Draggable    bool `json:"draggable"`
	Keyboard     bool `json:"keyboard"`
	Touch        bool `json:"touch"`
	Gamepad      bool `json:"gamepad"`
}

// State inventories how the game keeps its state.
type State struct {
	// Variables are candidate state variable names found in scripts.
	Variables   []string `json:"variables,omitempty"`
	UsesStorage bool     `json:"usesStorage"`
	// MarkedState counts elements carrying the display-state marker.
	MarkedState int `json:"markedState,omitempty"`
}

// Network inventories existing network features. A converted document
// must communicate only through the event bridge, so anything found here
// is flagged for removal in the conversion prompt.
type Network struct {
	Sockets bool `json:"sockets"`
	HTTP    bool `json:"http"`
	Peer    bool `json:"peer"`
}

// Complexity buckets drive prompt sizing and worker scheduling.
type Complexity struct {
	Score  int    `json:"score"`
	Bucket string `json:"bucket"` // simple, moderate, complex
}

const (
	BucketSimple   = "simple"
	BucketModerate = "moderate"
	BucketComplex  = "complex"
)

// KindCustomGame is the fallback tag when no characteristic passes the
// detection threshold.
const KindCustomGame = "custom-game"
