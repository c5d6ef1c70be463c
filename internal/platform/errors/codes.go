// Package errors provides structured error handling with machine-readable
// codes shared by the session runtime, conversion pipeline, and transport.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidActionShape Code = "INVALID_ACTION_SHAPE"
	CodeInvalidKind        Code = "INVALID_KIND"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"

	// Room errors
	CodeRoomNotFound   Code = "ROOM_NOT_FOUND"
	CodeRoomNotReady   Code = "ROOM_NOT_READY"
	CodeRoomTerminated Code = "ROOM_TERMINATED"
	CodeRoomExists     Code = "ROOM_EXISTS"

	// Validation errors reported by validators. These are benign: the
	// action was understood and rejected, state is unchanged.
	CodeNotYourTurn       Code = "NOT_YOUR_TURN"
	CodeGameFull          Code = "GAME_FULL"
	CodeDuplicatePlayer   Code = "DUPLICATE_PLAYER"
	CodeIllegalMove       Code = "ILLEGAL_MOVE"
	CodeGameNotActive     Code = "GAME_NOT_ACTIVE"
	CodeGameAlreadyActive Code = "GAME_ALREADY_ACTIVE"
	CodeNotEnoughPlayers  Code = "NOT_ENOUGH_PLAYERS"
	CodePlayerNotInRoom   Code = "PLAYER_NOT_IN_ROOM"

	// Infrastructure errors
	CodeStoreFailure        Code = "STORE_FAILURE"
	CodeValidatorUnavailable Code = "VALIDATOR_UNAVAILABLE"
	CodeValidatorTimeout    Code = "VALIDATOR_TIMEOUT"
	CodeValidatorLimit      Code = "VALIDATOR_LIMIT"
	CodeTimeoutRetry        Code = "TIMEOUT_RETRY"

	// Conversion errors
	CodeAnalysisFailed        Code = "ANALYSIS_FAILED"
	CodeLLMFailed             Code = "LLM_FAILED"
	CodeArtifactPublishFailed Code = "ARTIFACT_PUBLISH_FAILED"
	CodeValidatorDeployFailed Code = "VALIDATOR_DEPLOY_FAILED"
)

// retryableCodes lists infrastructure failures where the client may retry
// with backoff. Validation rejections are deliberately absent: retrying an
// illegal move without new information cannot succeed.
var retryableCodes = map[Code]struct{}{
	CodeStoreFailure:         {},
	CodeValidatorUnavailable: {},
	CodeValidatorTimeout:     {},
	CodeTimeoutRetry:         {},
}

// Retryable reports whether a client may usefully retry after this code.
func Retryable(code Code) bool {
	_, ok := retryableCodes[code]
	return ok
}
