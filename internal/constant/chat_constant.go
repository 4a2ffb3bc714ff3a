package constant

const (
	// Inbound websocket envelope types.
	EnvelopeChatMessage = "chat_message"
	EnvelopeTyping      = "typing"
	EnvelopeStopTyping  = "stop_typing"

	// Outbound websocket event types.
	EventConnectionEstablished = "connection_established"
	EventUserJoined            = "user_joined"
	EventUserLeft              = "user_left"
	EventUserMessage           = "user_message"
	EventAiThinking            = "ai_thinking"
	EventAiMessageStream       = "ai_message_stream"
	EventAiMessage             = "ai_message"
	EventUserTyping            = "user_typing"
	EventUserStoppedTyping     = "user_stopped_typing"
	EventAiError               = "ai_error"
	EventError                 = "error"

	// Ollama configuration defaults.
	OllamaDefaultBaseURL = "http://localhost:11434"
	OllamaDefaultModel   = "mistral:7b"

	// Retrieval defaults.
	RetrievalTopK                = 5
	RetrievalSimilarityThreshold = 0.75
	RetrievalMaxContextTokens    = 2000

	// Session title shown until the first user message rewrites it.
	DefaultSessionTitle = "New conversation"
	SessionTitleMaxLen  = 50
)
