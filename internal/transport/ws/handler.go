// Package ws is the client-facing transport: JSON routes for room
// lifecycle and action submission, plus a WebSocket stream for live
// broadcasts. The transport holds no game rules; it maps wire shapes to
// the runtime and conversion pipeline and error codes to HTTP statuses.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/louisbranch/coplay.space/internal/artifact"
	"github.com/louisbranch/coplay.space/internal/bridge"
	"github.com/louisbranch/coplay.space/internal/convert"
	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/registry"
	"github.com/louisbranch/coplay.space/internal/runtime"
)

const (
	// defaultMaxActionBytes caps one action payload.
	defaultMaxActionBytes = 64 * 1024
	// maxDocumentBytes caps an uploaded source document.
	maxDocumentBytes = 2 * 1024 * 1024
	defaultPageSize  = 50
)

// Config wires the handler's collaborators.
type Config struct {
	Runtime   *runtime.Runtime
	Pipeline  *convert.Pipeline
	Store     registry.RoomStore
	Artifacts *artifact.Store
	// AuthSecret enables player assertion tokens when non-empty.
	AuthSecret     []byte
	MaxActionBytes int64
}

// Handler serves the HTTP and WebSocket API.
type Handler struct {
	runtime        *runtime.Runtime
	pipeline       *convert.Pipeline
	store          registry.RoomStore
	artifacts      *artifact.Store
	auth           *Authenticator
	maxActionBytes int64
}

// NewHandler builds the transport handler.
func NewHandler(cfg Config) *Handler {
	maxActionBytes := cfg.MaxActionBytes
	if maxActionBytes <= 0 {
		maxActionBytes = defaultMaxActionBytes
	}
	return &Handler{
		runtime:        cfg.Runtime,
		pipeline:       cfg.Pipeline,
		store:          cfg.Store,
		artifacts:      cfg.Artifacts,
		auth:           NewAuthenticator(cfg.AuthSecret),
		maxActionBytes: maxActionBytes,
	}
}

// Routes returns the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /v1/rooms", h.createRoom)
	mux.HandleFunc("GET /v1/rooms", h.listRooms)
	mux.HandleFunc("GET /v1/rooms/{id}", h.getRoom)
	mux.HandleFunc("POST /v1/rooms/{id}/convert", h.requestConversion)
	mux.HandleFunc("GET /v1/rooms/{id}/document", h.document)
	mux.HandleFunc("POST /v1/rooms/{id}/actions", h.submitAction)
	mux.HandleFunc("POST /v1/rooms/{id}/events", h.ingestEvents)
	mux.HandleFunc("GET /v1/rooms/{id}/ws", h.socket)
	return mux
}

// roomView is the wire shape of a room record. State is deliberately
// absent; gameplay state travels through snapshots and broadcasts.
type roomView struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Phase            string `json:"phase"`
	StateVersion     int64  `json:"stateVersion"`
	ConversionStatus string `json:"conversionStatus"`
	ConversionError  string `json:"conversionError,omitempty"`
	DocumentRef      string `json:"documentRef,omitempty"`
	ValidatorRef     string `json:"validatorRef,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

func viewOf(room game.Room) roomView {
	return roomView{
		ID:               room.ID,
		Kind:             room.Kind,
		Phase:            string(room.Phase),
		StateVersion:     room.Version,
		ConversionStatus: string(room.ConversionStatus),
		ConversionError:  room.ConversionError,
		DocumentRef:      room.DocumentRef,
		ValidatorRef:     room.ValidatorRef,
		CreatedAt:        room.CreatedAt.UnixMilli(),
		UpdatedAt:        room.UpdatedAt.UnixMilli(),
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"metrics": h.runtime.Metrics.Snapshot(),
	})
}

// createRoom persists a new room. Two shapes are accepted: {source}
// registers a conversion-pending room over an uploaded game document,
// while {roomId, kind, initialState?, players?, metadata?} persists a
// pre-seeded room that plays immediately on the generic rules.
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source       string           `json:"source"`
		RoomID       string           `json:"roomId"`
		Kind         string           `json:"kind"`
		InitialState game.Document    `json:"initialState"`
		Players      []map[string]any `json:"players"`
		Metadata     map[string]any   `json:"metadata"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	if body.Source != "" {
		room, err := h.pipeline.CreateRoom(r.Context(), body.Source)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(room))
		return
	}

	if body.RoomID == "" || body.Kind == "" {
		h.writeError(w, perrors.New(perrors.CodeInvalidActionShape,
			"either source or roomId and kind are required"))
		return
	}
	room, err := game.NewRoom(body.RoomID, body.Kind, time.Now())
	if err != nil {
		h.writeError(w, perrors.Wrap(perrors.CodeInvalidActionShape, "create room", err))
		return
	}
	for key, value := range body.InitialState {
		room.State[key] = value
	}
	if len(body.Players) > 0 {
		seeded := make([]any, 0, len(body.Players))
		for _, player := range body.Players {
			seeded = append(seeded, player)
		}
		room.State["players"] = seeded
	}
	room.Phase = room.State.Phase()
	if body.Metadata != nil {
		room.Metadata = body.Metadata
	}
	// Pre-seeded rooms skip conversion entirely; without a deployed
	// validator the generic rules arbitrate their actions.
	room.ConversionStatus = game.ConversionComplete
	if err := h.store.CreateRoom(r.Context(), room); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(room))
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	pageSize := defaultPageSize
	if raw := r.URL.Query().Get("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, perrors.New(perrors.CodeInvalidActionShape, "pageSize must be a positive integer"))
			return
		}
		pageSize = parsed
	}
	page, err := h.store.ListRooms(r.Context(), pageSize, r.URL.Query().Get("pageToken"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	// The kind filter applies within the fetched page; callers follow
	// nextPageToken regardless of how many rooms matched.
	kind := r.URL.Query().Get("kind")
	views := make([]roomView, 0, len(page.Rooms))
	for _, room := range page.Rooms {
		if kind != "" && room.Kind != kind {
			continue
		}
		views = append(views, viewOf(room))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":         views,
		"nextPageToken": page.NextPageToken,
	})
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(room))
}

func (h *Handler) requestConversion(w http.ResponseWriter, r *http.Request) {
	room, err := h.pipeline.RequestConversion(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(room))
}

// document serves the converted, bridge-injected game document.
func (h *Handler) document(w http.ResponseWriter, r *http.Request) {
	room, err := h.pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !room.Ready() || room.DocumentRef == "" {
		h.writeError(w, perrors.New(perrors.CodeRoomNotReady, "room conversion is not complete"))
		return
	}
	data, err := h.artifacts.Get(artifact.Ref(room.DocumentRef))
	if err != nil {
		h.writeError(w, perrors.Wrap(perrors.CodeStoreFailure, "load published document", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) submitAction(w http.ResponseWriter, r *http.Request) {
	playerID, err := h.auth.PlayerID(r)
	if err != nil {
		h.writeStatusError(w, http.StatusUnauthorized, err)
		return
	}

	var action game.Action
	r.Body = http.MaxBytesReader(w, r.Body, h.maxActionBytes)
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if playerID != "" {
		// The verified assertion wins over whatever the payload claims.
		action.PlayerID = playerID
	}

	envelope, err := h.runtime.Submit(r.Context(), r.PathValue("id"), action)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

// ingestEvents accepts a relayed bridge envelope from the host page.
// Events are observational: they are validated and logged but never
// mutate room state, which only moves through submitted actions.
func (h *Handler) ingestEvents(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	var envelope bridge.Envelope
	r.Body = http.MaxBytesReader(w, r.Body, h.maxActionBytes)
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if envelope.Source != bridge.EnvelopeSource {
		h.writeError(w, perrors.New(perrors.CodeInvalidActionShape, "envelope source is not the bridge"))
		return
	}
	if envelope.RoomID != roomID {
		h.writeError(w, perrors.New(perrors.CodeInvalidActionShape, "envelope room does not match the route"))
		return
	}
	if _, err := h.pipeline.Status(r.Context(), roomID); err != nil {
		h.writeError(w, err)
		return
	}

	var lastSeq uint64
	errored := 0
	for _, event := range envelope.Events {
		if !event.Type.Valid() {
			h.writeError(w, perrors.New(perrors.CodeInvalidKind,
				fmt.Sprintf("unknown event kind %q", event.Type)))
			return
		}
		if event.Metadata.SequenceNumber <= lastSeq {
			h.writeError(w, perrors.New(perrors.CodeInvalidActionShape,
				"event sequence numbers must be strictly increasing"))
			return
		}
		lastSeq = event.Metadata.SequenceNumber
		if event.Type == bridge.EventError {
			errored++
		}
	}
	if errored > 0 {
		log.Printf("bridge error events room_id=%s player_id=%s count=%d", roomID, envelope.PlayerID, errored)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(envelope.Events)})
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func errorBodyOf(err error) errorBody {
	code := perrors.CodeOf(err)
	message := err.Error()
	var domainErr *perrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	return errorBody{
		Code:      string(code),
		Message:   message,
		Retryable: perrors.Retryable(code),
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		err = perrors.New(perrors.CodeRoomNotFound, "room not found")
	}
	if errors.Is(err, registry.ErrAlreadyExists) {
		err = perrors.New(perrors.CodeRoomExists, "room identifier is taken")
	}
	body := errorBodyOf(err)
	status := httpStatus(perrors.Code(body.Code))
	if status >= http.StatusInternalServerError {
		log.Printf("transport error status=%d code=%s error=%v", status, body.Code, err)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func (h *Handler) writeStatusError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": errorBodyOf(err)})
}

// writeDecodeError separates oversized payloads from malformed ones.
func (h *Handler) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeError(w, perrors.Wrap(perrors.CodePayloadTooLarge, "request body too large", err))
		return
	}
	if errors.Is(err, io.EOF) {
		h.writeError(w, perrors.New(perrors.CodeInvalidActionShape, "request body is empty"))
		return
	}
	h.writeError(w, perrors.Wrap(perrors.CodeInvalidActionShape, "decode request body", err))
}

func httpStatus(code perrors.Code) int {
	switch code {
	case perrors.CodeRoomNotFound:
		return http.StatusNotFound
	case perrors.CodeRoomExists:
		return http.StatusConflict
	case perrors.CodeRoomNotReady:
		return http.StatusConflict
	case perrors.CodeRoomTerminated:
		return http.StatusGone
	case perrors.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case perrors.CodeInvalidActionShape, perrors.CodeInvalidKind, perrors.CodeAnalysisFailed:
		return http.StatusBadRequest
	case perrors.CodeTimeoutRetry, perrors.CodeValidatorTimeout:
		return http.StatusServiceUnavailable
	case perrors.CodeStoreFailure, perrors.CodeValidatorUnavailable, perrors.CodeValidatorLimit:
		return http.StatusServiceUnavailable
	case perrors.CodeNotYourTurn, perrors.CodeGameFull, perrors.CodeDuplicatePlayer,
		perrors.CodeIllegalMove, perrors.CodeGameNotActive, perrors.CodeGameAlreadyActive,
		perrors.CodeNotEnoughPlayers, perrors.CodePlayerNotInRoom:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
