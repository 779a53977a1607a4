package upstream

// User-visible error codes. The set is closed; clients switch on these.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeSessionLimitReached = "session_limit_reached"
	CodeSessionIDGenError   = "session_id_gen_error"
	CodeSessionSpawnError   = "session_spawn_error"
	CodeInvalidSessionID    = "invalid_session_id"
	CodeSessionNotFound     = "session_not_found"
	CodeInvalidMessageType  = "invalid_message_type"
	CodeTokenInvalid        = "token_invalid"
	CodeAgentError          = "agent_error"
	CodeStorageError        = "storage_error"
)
