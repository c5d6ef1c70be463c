package convert

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/louisbranch/coplay.space/internal/analyzer"
	"github.com/louisbranch/coplay.space/internal/game"
)

// templateParams select which handlers and win conditions the
// synthesized validator carries, derived from the analysis report.
type templateParams struct {
	Kind         string
	TurnBased    bool
	HasBoard     bool
	BoundedBoard bool
	BoardRows    int
	BoardCols    int
	ThreeByThree bool
	HasTarget    bool
	MaxPlayers   int
	MinPlayers   int
}

// SynthesizeValidator renders the Lua validator module for a report. The
// generated module mirrors the generic fallback rules, specialized with
// the mechanics the analysis detected.
func SynthesizeValidator(report analyzer.Report) (string, error) {
	params := templateParams{
		Kind:       report.Kind,
		TurnBased:  report.Mechanics.Turns || game.IsTurnBased(report.Kind),
		HasBoard:   report.Mechanics.Board,
		BoardRows:  report.Elements.BoardRows,
		BoardCols:  report.Elements.BoardCols,
		HasTarget:  report.Mechanics.Score,
		MaxPlayers: game.DefaultMaxPlayers(report.Kind),
		MinPlayers: game.DefaultMinPlayers(report.Kind),
	}
	params.BoundedBoard = params.HasBoard && params.BoardRows > 0 && params.BoardCols > 0
	params.ThreeByThree = params.BoardRows == 3 && params.BoardCols == 3

	var out bytes.Buffer
	if err := validatorTemplate.Execute(&out, params); err != nil {
		return "", fmt.Errorf("render validator template: %w", err)
	}
	return out.String(), nil
}

var validatorTemplate = template.Must(template.New("validator").Parse(`-- validator module for kind: {{.Kind}}
local MAX_PLAYERS = {{.MaxPlayers}}
local MIN_PLAYERS = {{.MinPlayers}}

local function reject(reason)
  return { valid = false, reason = reason }
end

local function playerCount(state)
  local n = 0
  if state.players then
    for _ in pairs(state.players) do n = n + 1 end
  end
  return n
end

local function findPlayer(state, id)
  if not state.players then return nil end
  for i = 1, #state.players do
    if state.players[i].id == id then return state.players[i] end
  end
  return nil
end

local function accept(state, broadcast, changes)
  return {
    valid = true,
    updatedState = state,
    broadcast = broadcast,
    changes = changes,
    metadata = { maxPlayers = MAX_PLAYERS, minPlayers = MIN_PLAYERS },
  }
end
{{if .TurnBased}}
local function nextTurn(state, current)
  local players = state.players
  local idx = 1
  for i = 1, #players do
    if players[i].id == current then idx = i break end
  end
  for step = 1, #players do
    local candidate = players[((idx - 1 + step) % #players) + 1]
    if not candidate.eliminated then return candidate.id end
  end
  return current
end
{{end}}
local function checkWin(state, mover)
{{- if .HasTarget}}
  local target = state.target
  if target and target > 0 then
    if state.counter and state.counter >= target then
      state.winner = mover
      return true
    end
    for i = 1, #state.players do
      if (state.players[i].score or 0) >= target then
        state.winner = state.players[i].id
        return true
      end
    end
  end
{{- end}}
  if #state.players >= 2 then
    local standing = nil
    local count = 0
    for i = 1, #state.players do
      if not state.players[i].eliminated then
        standing = state.players[i].id
        count = count + 1
      end
    end
    if count == 1 then
      state.winner = standing
      return true
    end
  end
{{- if .ThreeByThree}}
  local b = state.board or {}
  local lines = {
    {"0,0","0,1","0,2"}, {"1,0","1,1","1,2"}, {"2,0","2,1","2,2"},
    {"0,0","1,0","2,0"}, {"0,1","1,1","2,1"}, {"0,2","1,2","2,2"},
    {"0,0","1,1","2,2"}, {"0,2","1,1","2,0"},
  }
  for i = 1, #lines do
    local a = b[lines[i][1]]
    if a and a == b[lines[i][2]] and a == b[lines[i][3]] then
      state.winner = a
      return true
    end
  end
{{- end}}
  return false
end

local function handleJoin(state, input)
  if state.phase ~= "lobby" then return reject("GAME_ALREADY_ACTIVE") end
  if findPlayer(state, input.playerId) then return reject("DUPLICATE_PLAYER") end
  if playerCount(state) >= MAX_PLAYERS then return reject("GAME_FULL") end
  if playerCount(state) == 0 then state.players = {} end
  local record = {
    id = input.playerId,
    joinedAt = input.timestamp,
    score = 0,
    lives = 0,
    active = true,
    eliminated = false,
  }
  if input.data and input.data.profile then record.profile = input.data.profile end
  state.players[#state.players + 1] = record
{{- if .TurnBased}}
  if #state.players == 1 then state.currentTurn = input.playerId end
{{- end}}
  return accept(state, "PLAYER_JOINED", { playerId = input.playerId })
end

local function handleStart(state, input)
  if state.phase == "active" then return reject("GAME_ALREADY_ACTIVE") end
  if state.phase ~= "lobby" then return reject("GAME_NOT_ACTIVE") end
  if playerCount(state) < MIN_PLAYERS then return reject("NOT_ENOUGH_PLAYERS") end
  state.phase = "active"
  state.round = 1
  state.startedAt = input.timestamp
{{- if .BoundedBoard}}
  state.board = state.board or {}
  state.boardRows = {{.BoardRows}}
  state.boardCols = {{.BoardCols}}
{{- end}}
  return accept(state, "GAME_STARTED", nil)
end

local function handleMove(state, input)
  if state.phase ~= "active" then return reject("GAME_NOT_ACTIVE") end
  if not findPlayer(state, input.playerId) then return reject("PLAYER_NOT_IN_ROOM") end
{{- if .TurnBased}}
  if state.currentTurn ~= input.playerId then return reject("NOT_YOUR_TURN") end
{{- end}}
  local changes = { playerId = input.playerId }
  local data = input.data or {}
{{- if .HasBoard}}
  if data.row ~= nil and data.col ~= nil then
{{- if .BoundedBoard}}
    if data.row < 0 or data.row >= {{.BoardRows}} or data.col < 0 or data.col >= {{.BoardCols}} then
      return reject("ILLEGAL_MOVE")
    end
{{- end}}
    state.board = state.board or {}
    local cell = data.row .. "," .. data.col
    if state.board[cell] then return reject("ILLEGAL_MOVE") end
    state.board[cell] = input.playerId
    changes.position = cell
  end
{{- end}}
  if data.delta then
    state.counter = (state.counter or 0) + data.delta
    local record = findPlayer(state, input.playerId)
    if record then record.score = (record.score or 0) + data.delta end
    changes.delta = data.delta
  end
  if checkWin(state, input.playerId) then
    state.phase = "ended"
    state.endedAt = input.timestamp
    changes.winner = state.winner
    return accept(state, "GAME_ENDED", changes)
  end
{{- if .TurnBased}}
  state.currentTurn = nextTurn(state, input.playerId)
{{- end}}
  return accept(state, "MOVE_MADE", changes)
end

local function handleUpdate(state, input)
  if not findPlayer(state, input.playerId) then return reject("PLAYER_NOT_IN_ROOM") end
  local data = input.data or {}
  if data.player then
    local record = findPlayer(state, input.playerId)
    if record then
      if data.player.score ~= nil then record.score = data.player.score end
      if data.player.lives ~= nil then record.lives = data.player.lives end
      if data.player.eliminated ~= nil then record.eliminated = data.player.eliminated end
    end
  end
  for key, value in pairs(data) do
    if key ~= "player" and key ~= "players" and key ~= "phase" then
      state[key] = value
    end
  end
  return accept(state, "STATE_UPDATE", { playerId = input.playerId })
end

local function handleEnd(state, input)
  if state.phase ~= "active" then return reject("GAME_NOT_ACTIVE") end
  if not findPlayer(state, input.playerId) then return reject("PLAYER_NOT_IN_ROOM") end
  state.phase = "ended"
  state.endedAt = input.timestamp
  local finalScores = {}
  for i = 1, #state.players do
    finalScores[state.players[i].id] = state.players[i].score or 0
  end
  state.finalScores = finalScores
  local data = input.data or {}
  if data.winner and findPlayer(state, data.winner) then
    state.winner = data.winner
  end
  return accept(state, "GAME_ENDED", { finalScores = finalScores })
end

function validate(input)
  local state = input.state or {}
  if state.phase == nil then
    state.phase = "lobby"
  end
  local action = input.action
  if action == "JOIN" then return handleJoin(state, input) end
  if action == "START" then return handleStart(state, input) end
  if action == "MOVE" then return handleMove(state, input) end
  if action == "UPDATE" then return handleUpdate(state, input) end
  if action == "END" then return handleEnd(state, input) end
  if state.phase ~= "active" then return reject("GAME_NOT_ACTIVE") end
  return accept(state, "CUSTOM_ACTION", { action = action, playerId = input.playerId })
end
`))
