package luasandbox

import (
	"math"

	"github.com/Shopify/go-lua"
	"github.com/louisbranch/coplay.space/internal/game"
	"github.com/louisbranch/coplay.space/internal/validator"
)

// pushInput builds the single argument table for the validate entrypoint.
func pushInput(l *lua.State, in validator.Input) {
	l.NewTable()
	l.PushString(in.Action)
	l.SetField(-2, "action")
	pushValue(l, map[string]any(in.State))
	l.SetField(-2, "state")
	l.PushString(in.PlayerID)
	l.SetField(-2, "playerId")
	pushValue(l, in.Data)
	l.SetField(-2, "data")
	l.PushString(in.RoomID)
	l.SetField(-2, "roomId")
	l.PushNumber(float64(in.Timestamp))
	l.SetField(-2, "timestamp")
}

// pushValue converts a JSON-shaped Go value onto the Lua stack.
func pushValue(l *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case string:
		l.PushString(v)
	case float64:
		l.PushNumber(v)
	case int:
		l.PushNumber(float64(v))
	case int64:
		l.PushNumber(float64(v))
	case game.Document:
		pushValue(l, map[string]any(v))
	case map[string]any:
		l.NewTable()
		for key, item := range v {
			pushValue(l, item)
			l.SetField(-2, key)
		}
	case []any:
		l.NewTable()
		for i, item := range v {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	default:
		// Unknown shapes become nil rather than panicking the sandbox.
		l.PushNil()
	}
}

// tableToMap reads a Lua table with string keys into a Go map.
func tableToMap(l *lua.State, index int) map[string]any {
	output := map[string]any{}
	if l.TypeOf(index) != lua.TypeTable {
		return output
	}

	index = l.AbsIndex(index)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			output[key] = luaToGo(l, -1)
		}
		l.Pop(1)
	}
	return output
}

func luaToGo(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeString:
		value, _ := l.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := l.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(l, index)
	default:
		return nil
	}
}

// tableToGo distinguishes Lua sequences (1..n contiguous integer keys)
// from maps so JSON array shapes survive the round trip.
func tableToGo(l *lua.State, index int) any {
	if l.TypeOf(index) != lua.TypeTable {
		return nil
	}

	index = l.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	l.PushNil()
	for l.Next(index) {
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := l.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			result = append(result, luaToGo(l, -1))
			l.Pop(1)
		}
		return result
	}

	return tableToMap(l, index)
}

// normalizeNumber keeps integral values as float64 so the result matches
// what encoding/json would have produced for the same document.
func normalizeNumber(value float64) any {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return float64(0)
	}
	return value
}
