package analyzer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Conversion markers. The bridge auto-intercepts only elements bearing
// these attributes; everything else in the document is left alone.
const (
	MarkerAction = "data-action-marker"
	MarkerState  = "data-state-marker"
	MarkerTouch  = "data-touch-marker"
)

// characteristic signals, strongest first. Ties between detected
// characteristics resolve by this order.
var characteristicPriority = []string{
	"shooter", "platformer", "racing", "rpg", "card", "dice", "word",
	"quiz", "puzzle", "strategy", "board", "turn-based", "realtime", "canvas",
}

var characteristicSignals = map[string]*regexp.Regexp{
	"shooter":    regexp.MustCompile(`(?i)\b(bullets?|shoot|ammo|enemies|enemy|lasers?|spaceship)\b`),
	"platformer": regexp.MustCompile(`(?i)\b(platform|jump(ing|er)?|gravity)\b`),
	"racing":     regexp.MustCompile(`(?i)\b(lap|race|racing|speedometer|track)\b`),
	"rpg":        regexp.MustCompile(`(?i)\b(inventory|quest|mana|hitpoints|experience|xp)\b`),
	"card":       regexp.MustCompile(`(?i)\b(deck|shuffle|deal|cards?|hand)\b`),
	"dice":       regexp.MustCompile(`(?i)\b(dice|die|roll(ed|ing)?)\b`),
	"word":       regexp.MustCompile(`(?i)\b(word|letters?|anagram|spelling)\b`),
	"quiz":       regexp.MustCompile(`(?i)\b(quiz|trivia|question|answers?)\b`),
	"puzzle":     regexp.MustCompile(`(?i)\b(puzzle|match(-|\s)?three|solve|sliding)\b`),
	"strategy":   regexp.MustCompile(`(?i)\b(resources?|territory|units?|build(ing)? queue)\b`),
	"board":      regexp.MustCompile(`(?i)\b(board|cells?|grid|tiles?)\b`),
	"turn-based": regexp.MustCompile(`(?i)\b(turns?|current\s*player|player\s*turn|whose\s*turn)\b`),
	"realtime":   regexp.MustCompile(`(?i)(requestAnimationFrame|game\s*loop|\bfps\b)`),
}

// minSignalHits is the detection threshold: a characteristic needs this
// many distinct matches before it counts.
const minSignalHits = 2

var (
	boardDimsPattern = regexp.MustCompile(`(\d+)\s*[xX×]\s*(\d+)`)
	gridRepeat       = regexp.MustCompile(`repeat\(\s*(\d+)\s*,`)
	commentPattern   = regexp.MustCompile(`(?s)<!--.*?-->|/\*.*?\*/`)
	linePattern      = regexp.MustCompile(`(?m)^\s*//[^\n]*$`)
	variablePattern  = regexp.MustCompile(`(?m)\b(?:var|let|const)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=`)

	scorePattern    = regexp.MustCompile(`(?i)\bscores?\b`)
	timerPattern    = regexp.MustCompile(`(?i)(setInterval|setTimeout|countdown|\btimer\b)`)
	levelPattern    = regexp.MustCompile(`(?i)\blevels?\b`)
	livesPattern    = regexp.MustCompile(`(?i)\b(lives|hearts)\b`)
	winPattern      = regexp.MustCompile(`(?i)\b(winner|win(s|ning)?|game\s*over|victory)\b`)
	physicsPattern  = regexp.MustCompile(`(?i)\b(velocity|gravity|friction|collision|acceleration)\b`)
	roundPattern    = regexp.MustCompile(`(?i)\brounds?\b`)
	storagePattern  = regexp.MustCompile(`(localStorage|sessionStorage|indexedDB)`)
	socketPattern   = regexp.MustCompile(`(WebSocket|socket\.io|EventSource)`)
	httpPattern     = regexp.MustCompile(`(fetch\(|XMLHttpRequest|axios)`)
	peerPattern     = regexp.MustCompile(`(RTCPeerConnection|RTCDataChannel|peerjs)`)
	keyboardPattern = regexp.MustCompile(`(keydown|keyup|keypress|KeyboardEvent)`)
	touchPattern    = regexp.MustCompile(`(touchstart|touchend|touchmove|pointerdown)`)
	gamepadPattern  = regexp.MustCompile(`(getGamepads|gamepadconnected)`)
	dragPattern     = regexp.MustCompile(`(draggable|dragstart|ondrop)`)
	clickPattern    = regexp.MustCompile(`(onclick|addEventListener\(\s*['"]click['"])`)
	cellClass       = regexp.MustCompile(`(?i)\b(cell|square|tile)\b`)
)

// Analyze inspects the raw document text and produces a structural
// report. It never fails: malformed markup degrades to a text-only scan
// and an unrecognizable document is tagged custom-game.
func Analyze(document string) Report {
	report := Report{}

	dom := inspectDOM(document, &report)

	// Comments alone are never trusted as signals; strip them before
	// any pattern scan.
	text := linePattern.ReplaceAllString(commentPattern.ReplaceAllString(document, ""), "")

	report.Mechanics = Mechanics{
		Turns:        countHits(characteristicSignals["turn-based"], text) >= minSignalHits,
		Board:        dom.cellCount >= 4 || countHits(characteristicSignals["board"], text) >= minSignalHits,
		Score:        scorePattern.MatchString(text),
		Timer:        timerPattern.MatchString(text),
		Levels:       levelPattern.MatchString(text),
		Lives:        livesPattern.MatchString(text),
		Realtime:     countHits(characteristicSignals["realtime"], text) >= 1,
		WinCondition: winPattern.MatchString(text),
		Physics:      physicsPattern.MatchString(text),
		Rounds:       roundPattern.MatchString(text),
	}

	report.Interactions = Interactions{
		ClickTargets: dom.clickTargets + len(clickPattern.FindAllString(dom.scripts, -1)),
		Draggable:    dragPattern.MatchString(text),
		Keyboard:     keyboardPattern.MatchString(text),
		Touch:        touchPattern.MatchString(text),
		Gamepad:      gamepadPattern.MatchString(text),
	}

	report.State = State{
		Variables:   stateVariables(dom.scripts),
		UsesStorage: storagePattern.MatchString(dom.scripts),
		MarkedState: dom.stateMarked,
	}

	report.Network = Network{
		Sockets: socketPattern.MatchString(dom.scripts),
		HTTP:    httpPattern.MatchString(dom.scripts),
		Peer:    peerPattern.MatchString(dom.scripts),
	}

	inferBoardDimensions(text, dom, &report)
	report.Characteristics = detectCharacteristics(text, dom)
	report.Kind = buildKind(report)
	report.Complexity = scoreComplexity(report, dom)
	return report
}

// domFacts is what one walk over the parsed tree yields.
type domFacts struct {
	scripts      string
	buttons      []string
	clickTargets int
	inputCount   int
	hasForm      bool
	hasCanvas    bool
	cellCount    int
	marked       int
	stateMarked  int
	gridColumns  int
}

func inspectDOM(document string, report *Report) *domFacts {
	facts := &domFacts{}
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		// Text-only degradation: scripts scan falls back to the raw text.
		facts.scripts = document
		return facts
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			facts.inspectElement(n)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	report.Elements = Elements{
		Buttons:    facts.buttons,
		HasForm:    facts.hasForm,
		HasCanvas:  facts.hasCanvas,
		InputCount: facts.inputCount,
		CellCount:  facts.cellCount,
		Marked:     facts.marked,
	}
	return facts
}

func (f *domFacts) inspectElement(n *html.Node) {
	attrs := map[string]string{}
	for _, attr := range n.Attr {
		attrs[strings.ToLower(attr.Key)] = attr.Val
	}

	switch n.Data {
	case "script":
		if child := n.FirstChild; child != nil && child.Type == html.TextNode {
			f.scripts += child.Data + "\n"
		}
	case "button":
		label := strings.TrimSpace(textContent(n))
		if label == "" {
			label = attrs["id"]
		}
		if label != "" {
			f.buttons = append(f.buttons, label)
		}
		f.clickTargets++
	case "form":
		f.hasForm = true
	case "canvas":
		f.hasCanvas = true
	case "input", "select", "textarea":
		f.inputCount++
	}

	if _, ok := attrs["onclick"]; ok && n.Data != "button" {
		f.clickTargets++
	}
	if cellClass.MatchString(attrs["class"]) || cellClass.MatchString(attrs["id"]) {
		f.cellCount++
	}
	if _, ok := attrs[MarkerAction]; ok {
		f.marked++
	}
	if _, ok := attrs[MarkerTouch]; ok {
		f.marked++
	}
	if _, ok := attrs[MarkerState]; ok {
		f.marked++
		f.stateMarked++
	}
	if cols := gridRepeat.FindStringSubmatch(attrs["style"]); cols != nil {
		f.gridColumns, _ = strconv.Atoi(cols[1])
	}
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// inferBoardDimensions requires an explicit token match or a counted
// grid; it never guesses from prose.
func inferBoardDimensions(text string, dom *domFacts, report *Report) {
	if match := boardDimsPattern.FindStringSubmatch(text); match != nil {
		rows, _ := strconv.Atoi(match[1])
		cols, _ := strconv.Atoi(match[2])
		if rows > 0 && cols > 0 && rows <= 32 && cols <= 32 {
			report.Elements.BoardRows = rows
			report.Elements.BoardCols = cols
			return
		}
	}
	if dom.gridColumns > 0 && dom.cellCount > 0 && dom.cellCount%dom.gridColumns == 0 {
		report.Elements.BoardCols = dom.gridColumns
		report.Elements.BoardRows = dom.cellCount / dom.gridColumns
		return
	}
	if root := intSqrt(dom.cellCount); root > 1 && root*root == dom.cellCount {
		report.Elements.BoardRows = root
		report.Elements.BoardCols = root
	}
}

func intSqrt(n int) int {
	for i := 1; i*i <= n; i++ {
		if i*i == n {
			return i
		}
	}
	return 0
}

func detectCharacteristics(text string, dom *domFacts) []string {
	var detected []string
	for _, name := range characteristicPriority {
		switch name {
		case "canvas":
			if dom.hasCanvas {
				detected = append(detected, name)
			}
		case "board":
			if dom.cellCount >= 4 || countHits(characteristicSignals[name], text) >= minSignalHits {
				detected = append(detected, name)
			}
		default:
			if countHits(characteristicSignals[name], text) >= minSignalHits {
				detected = append(detected, name)
			}
		}
	}
	return detected
}

func countHits(pattern *regexp.Regexp, text string) int {
	return len(pattern.FindAllString(text, -1))
}

// buildKind composes the free-form kind tag: the strongest
// characteristic, board dimensions when known, and a pacing suffix.
func buildKind(report Report) string {
	if len(report.Characteristics) == 0 {
		return KindCustomGame
	}
	primary := report.Characteristics[0]

	parts := []string{primary}
	if primary == "board" && report.Elements.BoardRows > 0 {
		parts[0] = "board-" + strconv.Itoa(report.Elements.BoardRows) + "x" + strconv.Itoa(report.Elements.BoardCols)
	}
	switch {
	case report.Mechanics.Turns && primary != "turn-based":
		parts = append(parts, "turn-based")
	case report.Mechanics.Realtime && primary != "realtime":
		parts = append(parts, "realtime")
	}
	return strings.Join(parts, "-")
}

func stateVariables(scripts string) []string {
	seen := map[string]bool{}
	var names []string
	for _, match := range variablePattern.FindAllStringSubmatch(scripts, -1) {
		name := match[1]
		if seen[name] || len(name) < 3 {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	const maxVariables = 32
	if len(names) > maxVariables {
		names = names[:maxVariables]
	}
	return names
}

func scoreComplexity(report Report, dom *domFacts) Complexity {
	score := 0
	score += len(dom.scripts) / 1024
	score += len(report.Elements.Buttons) * 2
	score += report.Elements.InputCount * 2
	score += report.Elements.CellCount / 2
	score += report.Interactions.ClickTargets

	for _, flag := range []bool{
		report.Mechanics.Turns, report.Mechanics.Board, report.Mechanics.Score,
		report.Mechanics.Timer, report.Mechanics.Levels, report.Mechanics.Lives,
		report.Mechanics.Realtime, report.Mechanics.WinCondition,
		report.Mechanics.Physics, report.Mechanics.Rounds,
	} {
		if flag {
			score += 5
		}
	}
	for _, flag := range []bool{report.Network.Sockets, report.Network.HTTP, report.Network.Peer} {
		if flag {
			score += 10
		}
	}
	if report.Elements.HasCanvas {
		score += 10
	}

	bucket := BucketSimple
	switch {
	case score > 70:
		bucket = BucketComplex
	case score > 30:
		bucket = BucketModerate
	}
	return Complexity{Score: score, Bucket: bucket}
}
