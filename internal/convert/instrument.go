package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	_ "embed"

	"github.com/louisbranch/coplay.space/internal/analyzer"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"golang.org/x/net/html"
)

//go:embed bridge.js
var bridgeJS string

// RoomConfig is injected into the converted document so the bridge can
// address its envelopes. PlayerID and SessionID are provisioned by the
// host at load time; the placeholders here are overwritten before the
// game boots.
type RoomConfig struct {
	RoomID         string `json:"roomId"`
	PlayerID       string `json:"playerId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	BatchInterval  int    `json:"batchIntervalMillis"`
	MaxBatchSize   int    `json:"maxBatchSize"`
	SnapshotOnLoad bool   `json:"snapshotOnLoad"`
}

var stateNamePattern = regexp.MustCompile(`(?i)\b(score|status|lives|turn|counter|result|timer|round|winner)\b`)

// InstrumentMarkers adds action, state, and touch markers to the elements
// the analysis identified, leaving any existing marker untouched. The
// document is re-serialized from the parse tree; marker attributes
// already present keep their values verbatim.
func InstrumentMarkers(document string, report analyzer.Report) (string, error) {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return "", perrors.Wrap(perrors.CodeAnalysisFailed, "parse document for instrumentation", err)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			instrumentElement(n)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	var out bytes.Buffer
	if err := html.Render(&out, root); err != nil {
		return "", perrors.Wrap(perrors.CodeAnalysisFailed, "render instrumented document", err)
	}
	return out.String(), nil
}

func instrumentElement(n *html.Node) {
	attrs := map[string]string{}
	for _, attr := range n.Attr {
		attrs[strings.ToLower(attr.Key)] = attr.Val
	}
	name := func() string {
		if id := attrs["id"]; id != "" {
			return id
		}
		if class := attrs["class"]; class != "" {
			return strings.Fields(class)[0]
		}
		return n.Data
	}

	_, hasOnclick := attrs["onclick"]
	if n.Data == "button" || hasOnclick {
		setAttrIfMissing(n, analyzer.MarkerAction, name())
	}
	if stateNamePattern.MatchString(attrs["id"]) || stateNamePattern.MatchString(attrs["class"]) {
		setAttrIfMissing(n, analyzer.MarkerState, name())
	}
	if n.Data == "canvas" {
		setAttrIfMissing(n, analyzer.MarkerTouch, name())
	}
}

func setAttrIfMissing(n *html.Node, key, value string) {
	for _, attr := range n.Attr {
		if strings.EqualFold(attr.Key, key) {
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

// ValidateDocument rejects structural fragments and truncated output
// before they can be published.
func ValidateDocument(document string) error {
	lowered := strings.ToLower(document)
	if !strings.Contains(lowered, "<html") && !strings.Contains(lowered, "<!doctype html") {
		return perrors.New(perrors.CodeLLMFailed, "output is not a complete document")
	}
	if !strings.Contains(lowered, "</html>") {
		return perrors.New(perrors.CodeLLMFailed, "output appears truncated")
	}
	return nil
}

// InjectBridge appends the room configuration and the bridge library to
// the document. Injection is textual, in front of the closing body tag,
// so previously placed markers survive byte for byte.
func InjectBridge(document string, cfg RoomConfig) (string, error) {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal room config: %w", err)
	}

	injection := fmt.Sprintf(
		"<script id=\"coplay-room-config\">window.COPLAY_ROOM = %s;</script>\n<script id=\"coplay-bridge\">\n%s\n</script>\n",
		configJSON, bridgeJS)

	lowered := strings.ToLower(document)
	if idx := strings.LastIndex(lowered, "</body>"); idx >= 0 {
		return document[:idx] + injection + document[idx:], nil
	}
	return document + "\n" + injection, nil
}

// Instrumented reports whether a published document already carries the
// bridge, used by retries to avoid double injection.
func Instrumented(document string) bool {
	return strings.Contains(document, "id=\"coplay-bridge\"")
}
