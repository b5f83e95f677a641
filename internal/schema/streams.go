package schema

const (
	StreamTriggers = "triggers"
	StreamRuns     = "runs"
	StreamErrors   = "errors"
)

// EngineStreams are the journal streams the engine publishes to and that
// the websocket surface subscribes to by default.
var EngineStreams = []string{
	StreamTriggers,
	StreamRuns,
	StreamErrors,
}
