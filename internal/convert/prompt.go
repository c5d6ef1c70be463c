package convert

import (
	"fmt"
	"strings"

	"github.com/louisbranch/coplay.space/internal/analyzer"
)

// BuildPrompt constructs the adaptive conversion prompt. Each detected
// mechanic adds the multiplayer affordance the output must contain; the
// closing contract pins the document to bridge-only communication.
func BuildPrompt(document string, report analyzer.Report) string {
	var b strings.Builder

	b.WriteString("Convert the single-player browser game below into a multiplayer-ready document.\n")
	fmt.Fprintf(&b, "Detected game kind: %s (complexity: %s).\n\n", report.Kind, report.Complexity.Bucket)

	b.WriteString("The converted document MUST:\n")
	if report.Mechanics.Turns {
		b.WriteString("- Arbitrate turns through the host: render whose turn it is from received state and only emit moves for the local player when it is their turn.\n")
	}
	if report.Mechanics.Board {
		if report.Elements.BoardRows > 0 {
			fmt.Fprintf(&b, "- Synchronize the %dx%d board from received state; cells are keyed \"row,col\".\n",
				report.Elements.BoardRows, report.Elements.BoardCols)
		} else {
			b.WriteString("- Synchronize the board from received state; cells are keyed \"row,col\".\n")
		}
	}
	if report.Mechanics.Score || report.Mechanics.Lives {
		b.WriteString("- Render per-player scoring from the players array in received state instead of a local score variable.\n")
	}
	if report.Mechanics.Realtime {
		b.WriteString("- Reconcile the local simulation against authoritative state updates, correcting drift rather than forking.\n")
	}
	b.WriteString("- Show lobby controls: a join control while waiting and a start control once enough players joined.\n")
	b.WriteString("- Keep every element that carries a data-action-marker, data-state-marker, or data-touch-marker attribute, verbatim.\n")

	if report.Network.Sockets || report.Network.HTTP || report.Network.Peer {
		b.WriteString("- Remove all existing network code (sockets, fetch/XHR, peer connections); the host owns all communication.\n")
	}

	b.WriteString("\nCommunication contract: the document communicates ONLY through the injected GameEventBridge ")
	b.WriteString("(emit TRANSITION/INTERACTION/UPDATE/ERROR events, subscribe to STATE_UPDATE/PLAYER_ACTION/GAME_EVENT/CONFIG_UPDATE) ")
	b.WriteString("and its postMessage envelopes. It must never open its own sockets or call any server directly.\n")
	b.WriteString("\nReturn exactly one complete HTML document and nothing else.\n")
	b.WriteString("\n--- SOURCE DOCUMENT ---\n")
	b.WriteString(document)
	return b.String()
}
