package shared

import "errors"

// Setup errors
var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoEndpoint            = errors.New("no endpoint provided")
	ErrNoPersona             = errors.New("no persona provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
)

// Session errors. Connection and protocol failures end a single session,
// never the process.
var (
	ErrConnection = errors.New("connection error")
	ErrProtocol   = errors.New("protocol error")
)

// Tool errors. The dispatcher turns every one of these into a result for the
// model instead of failing the session.
var (
	ErrUnknownTool          = errors.New("unknown tool")
	ErrInvalidArguments     = errors.New("invalid arguments")
	ErrHandlerFailure       = errors.New("tool handler failed")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrUnknownToolBinding   = errors.New("declared tool has no handler")
)

var (
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrStorageConflict       = errors.New("storage conflict")
)
