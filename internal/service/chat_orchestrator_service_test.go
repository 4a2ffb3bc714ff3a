package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"rag-chat-be/internal/constant"
	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/repository/contract"
	"rag-chat-be/internal/repository/specification"
	"rag-chat-be/internal/repository/unitofwork"
	ws "rag-chat-be/internal/websocket"
	"rag-chat-be/pkg/embedding"
	"rag-chat-be/pkg/llm"
	"rag-chat-be/pkg/rag/prompt"
	"rag-chat-be/pkg/rag/search"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(module, message string, details map[string]interface{}) {}
func (nopLogger) Info(module, message string, details map[string]interface{})  {}
func (nopLogger) Warn(module, message string, details map[string]interface{})  {}
func (nopLogger) Error(module, message string, details map[string]interface{}) {}
func (nopLogger) Sync() error                                                  { return nil }

type fakeLLM struct {
	chunks   []string
	block    bool
	returned chan struct{}
}

func newFakeLLM(chunks ...string) *fakeLLM {
	return &fakeLLM{chunks: chunks, returned: make(chan struct{}, 1)}
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error) {
	return "", nil
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return "", nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, onChunk llm.StreamFunc, opts ...llm.Option) error {
	defer func() {
		select {
		case f.returned <- struct{}{}:
		default:
		}
	}()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, chunk := range f.chunks {
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

type fakeMessageRepo struct {
	contract.ChatMessageRepository
	mu      sync.Mutex
	created []*entity.ChatMessage
}

func (f *fakeMessageRepo) Create(ctx context.Context, message *entity.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *message
	f.created = append(f.created, &copied)
	return nil
}

func (f *fakeMessageRepo) countCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeMessageRepo) lastCreated() *entity.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeSessionRepo struct {
	contract.ChatSessionRepository
	session *entity.ChatSession
}

func (f *fakeSessionRepo) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.ChatSession, error) {
	return f.session, nil
}

type fakeUow struct {
	unitofwork.UnitOfWork
	messages *fakeMessageRepo
	sessions *fakeSessionRepo
}

func (f *fakeUow) ChatMessageRepository() contract.ChatMessageRepository { return f.messages }
func (f *fakeUow) ChatSessionRepository() contract.ChatSessionRepository { return f.sessions }

type fakeUowFactory struct {
	uow *fakeUow
}

func (f *fakeUowFactory) NewUnitOfWork(ctx context.Context) unitofwork.UnitOfWork { return f.uow }

type failingEmbedder struct{}

func (failingEmbedder) Generate(ctx context.Context, text string, taskType string) (*embedding.Result, error) {
	return nil, context.Canceled
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*dto.ChatMessagePersistedEvent
}

func (f *fakePublisher) PublishChatMessagePersisted(event *dto.ChatMessagePersistedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type orchestratorFixture struct {
	orchestrator IChatOrchestratorService
	registry     *ws.Registry
	messages     *fakeMessageRepo
	sessions     *fakeSessionRepo
	publisher    *fakePublisher
}

func newFixture(t *testing.T, llmProvider llm.LLMProvider) *orchestratorFixture {
	t.Helper()

	messages := &fakeMessageRepo{}
	sessions := &fakeSessionRepo{}
	factory := &fakeUowFactory{uow: &fakeUow{messages: messages, sessions: sessions}}
	registry := ws.NewRegistry(nopLogger{})
	publisher := &fakePublisher{}

	orchestrator := NewChatOrchestratorService(
		registry,
		factory,
		llmProvider,
		search.NewRanker(failingEmbedder{}, factory, nopLogger{}),
		prompt.NewBuilder(),
		publisher,
		ChatSettings{
			DefaultModel:        "mistral:7b",
			RetrievalTopK:       5,
			SimilarityThreshold: 0.75,
			MaxContextTokens:    2000,
		},
		nopLogger{},
	)

	return &orchestratorFixture{
		orchestrator: orchestrator,
		registry:     registry,
		messages:     messages,
		sessions:     sessions,
		publisher:    publisher,
	}
}

// scriptedLLM hands every stream call back to the test, which decides when
// and how each one completes. Calls block until released or cancelled.
type scriptedLLM struct {
	started  chan *scriptedStream
	returned chan struct{}
}

type scriptedStream struct {
	release chan string // send the final chunk to complete the stream
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		started:  make(chan *scriptedStream, 4),
		returned: make(chan struct{}, 4),
	}
}

func (f *scriptedLLM) Chat(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error) {
	return "", nil
}

func (f *scriptedLLM) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return "", nil
}

func (f *scriptedLLM) GenerateStream(ctx context.Context, prompt string, onChunk llm.StreamFunc, opts ...llm.Option) error {
	defer func() { f.returned <- struct{}{} }()

	s := &scriptedStream{release: make(chan string, 1)}
	f.started <- s

	select {
	case <-ctx.Done():
		return ctx.Err()
	case chunk := <-s.release:
		return onChunk(chunk)
	}
}

func awaitStream(t *testing.T, provider *scriptedLLM) *scriptedStream {
	t.Helper()
	select {
	case s := <-provider.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not start")
		return nil
	}
}

func awaitReturn(t *testing.T, provider *scriptedLLM) {
	t.Helper()
	select {
	case <-provider.returned:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not return")
	}
}

func newTestClient(sessionId uuid.UUID, username string) *ws.Client {
	return ws.NewClient(nil, uuid.New(), username, sessionId)
}

// nextEvent drains one queued payload and returns its decoded type and body.
func nextEvent(t *testing.T, c *ws.Client) (string, map[string]interface{}) {
	t.Helper()
	select {
	case payload := <-c.Send:
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &body))
		eventType, _ := body["type"].(string)
		return eventType, body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return "", nil
	}
}

func noPendingEvents(c *ws.Client) bool {
	select {
	case <-c.Send:
		return false
	default:
		return true
	}
}

func chatEnvelope(content string, useRag bool) []byte {
	payload, _ := json.Marshal(dto.ClientEnvelope{
		Type:    constant.EnvelopeChatMessage,
		Content: content,
		UseRag:  &useRag,
	})
	return payload
}

func signTestToken(t *testing.T, secret string, userId uuid.UUID, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userId.String(),
		"sub":     username,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAdmit(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	fx := newFixture(t, newFakeLLM())
	sessionId := uuid.New()
	userId := uuid.New()

	t.Run("valid token and owned session", func(t *testing.T) {
		fx.sessions.session = &entity.ChatSession{Id: sessionId, UserId: userId}
		token := signTestToken(t, "test-secret", userId, "alice")

		claims, err := fx.orchestrator.Admit(context.Background(), sessionId, token)
		require.NoError(t, err)
		assert.Equal(t, userId, claims.UserID)
		assert.Equal(t, "alice", claims.Username)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := fx.orchestrator.Admit(context.Background(), sessionId, "not-a-token")
		assert.ErrorIs(t, err, ErrAdmissionDenied)
	})

	t.Run("wrong signing secret", func(t *testing.T) {
		token := signTestToken(t, "other-secret", userId, "alice")
		_, err := fx.orchestrator.Admit(context.Background(), sessionId, token)
		assert.ErrorIs(t, err, ErrAdmissionDenied)
	})

	t.Run("session not owned", func(t *testing.T) {
		fx.sessions.session = nil
		token := signTestToken(t, "test-secret", userId, "alice")
		_, err := fx.orchestrator.Admit(context.Background(), sessionId, token)
		assert.ErrorIs(t, err, ErrAdmissionDenied)
	})
}

func TestConnectDeliversConnectionEstablished(t *testing.T) {
	fx := newFixture(t, newFakeLLM())
	sessionId := uuid.New()

	first := newTestClient(sessionId, "alice")
	fx.orchestrator.Connect(first)

	eventType, body := nextEvent(t, first)
	assert.Equal(t, constant.EventConnectionEstablished, eventType)
	assert.Equal(t, "alice", body["username"])

	second := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(second)

	// The earlier participant learns about the newcomer.
	eventType, body = nextEvent(t, first)
	assert.Equal(t, constant.EventUserJoined, eventType)
	assert.Equal(t, "bob", body["username"])

	// The newcomer only gets its own confirmation.
	eventType, _ = nextEvent(t, second)
	assert.Equal(t, constant.EventConnectionEstablished, eventType)
	assert.True(t, noPendingEvents(second))
}

func TestMalformedEnvelopeKeepsConnectionUsable(t *testing.T) {
	fx := newFixture(t, newFakeLLM())
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	observer := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(sender)
	fx.orchestrator.Connect(observer)
	drainAll(sender)
	drainAll(observer)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, []byte("{not json"))

	eventType, _ := nextEvent(t, sender)
	assert.Equal(t, constant.EventError, eventType)
	assert.True(t, noPendingEvents(observer))

	// The same connection keeps working afterwards.
	typing, _ := json.Marshal(dto.ClientEnvelope{Type: constant.EnvelopeTyping})
	fx.orchestrator.HandleEnvelope(context.Background(), sender, typing)

	eventType, _ = nextEvent(t, observer)
	assert.Equal(t, constant.EventUserTyping, eventType)
}

func TestTypingExcludesSender(t *testing.T) {
	fx := newFixture(t, newFakeLLM())
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	observer := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(sender)
	fx.orchestrator.Connect(observer)
	drainAll(sender)
	drainAll(observer)

	typing, _ := json.Marshal(dto.ClientEnvelope{Type: constant.EnvelopeTyping})
	fx.orchestrator.HandleEnvelope(context.Background(), sender, typing)

	eventType, body := nextEvent(t, observer)
	assert.Equal(t, constant.EventUserTyping, eventType)
	assert.Equal(t, "alice", body["username"])
	assert.True(t, noPendingEvents(sender))

	stop, _ := json.Marshal(dto.ClientEnvelope{Type: constant.EnvelopeStopTyping})
	fx.orchestrator.HandleEnvelope(context.Background(), sender, stop)

	eventType, _ = nextEvent(t, observer)
	assert.Equal(t, constant.EventUserStoppedTyping, eventType)
}

func TestUnknownEnvelopeIsDropped(t *testing.T) {
	fx := newFixture(t, newFakeLLM())
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	fx.orchestrator.Connect(sender)
	drainAll(sender)

	unknown, _ := json.Marshal(dto.ClientEnvelope{Type: "subscribe"})
	fx.orchestrator.HandleEnvelope(context.Background(), sender, unknown)

	assert.True(t, noPendingEvents(sender))
	assert.Equal(t, 0, fx.messages.countCreated())
}

func TestEmptyChatMessageIsIgnored(t *testing.T) {
	fx := newFixture(t, newFakeLLM("unused"))
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	fx.orchestrator.Connect(sender)
	drainAll(sender)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("   \n\t ", false))

	assert.True(t, noPendingEvents(sender))
	assert.Equal(t, 0, fx.messages.countCreated())
	assert.Equal(t, 0, fx.publisher.count())
}

func TestChatMessageStreamsAndPersists(t *testing.T) {
	fx := newFixture(t, newFakeLLM("Hello ", "there"))
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	observer := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(sender)
	fx.orchestrator.Connect(observer)
	drainAll(sender)
	drainAll(observer)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("What is Go?", false))

	var types []string
	for len(types) < 5 {
		eventType, _ := nextEvent(t, observer)
		types = append(types, eventType)
	}
	assert.Equal(t, []string{
		constant.EventUserMessage,
		constant.EventAiThinking,
		constant.EventAiMessageStream,
		constant.EventAiMessageStream,
		constant.EventAiMessage,
	}, types)

	require.Eventually(t, func() bool { return fx.messages.countCreated() == 2 },
		2*time.Second, 10*time.Millisecond)

	assistant := fx.messages.lastCreated()
	assert.Equal(t, entity.RoleAssistant, assistant.Role)
	assert.Equal(t, "Hello there", assistant.Content)
	assert.Equal(t, "mistral:7b", assistant.ModelUsed)
	assert.Equal(t, 2, assistant.TokensUsed)

	require.Eventually(t, func() bool { return fx.publisher.count() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestDisconnectCancelsGeneration(t *testing.T) {
	llmProvider := newFakeLLM()
	llmProvider.block = true
	fx := newFixture(t, llmProvider)
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	observer := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(sender)
	fx.orchestrator.Connect(observer)
	drainAll(sender)
	drainAll(observer)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("slow question", false))

	// user_message and ai_thinking go out before the stream starts.
	eventType, _ := nextEvent(t, observer)
	assert.Equal(t, constant.EventUserMessage, eventType)
	eventType, _ = nextEvent(t, observer)
	assert.Equal(t, constant.EventAiThinking, eventType)

	fx.orchestrator.Disconnect(sender)

	select {
	case <-llmProvider.returned:
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not cancelled")
	}
	time.Sleep(50 * time.Millisecond)

	// Only the user message was persisted; nothing was announced.
	assert.Equal(t, 1, fx.messages.countCreated())
	assert.Equal(t, entity.RoleUser, fx.messages.lastCreated().Role)
	assert.Equal(t, 1, fx.publisher.count())
	assert.True(t, noPendingEvents(observer))
}

func TestNewerGenerationSurvivesEarlierCompletion(t *testing.T) {
	llmProvider := newScriptedLLM()
	fx := newFixture(t, llmProvider)
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	observer := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(sender)
	fx.orchestrator.Connect(observer)
	drainAll(sender)
	drainAll(observer)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("first question", false))
	first := awaitStream(t, llmProvider)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("second question", false))
	second := awaitStream(t, llmProvider)
	_ = second

	// The older task completes while the newer one is still streaming.
	first.release <- "first answer"
	awaitReturn(t, llmProvider)

	require.Eventually(t, func() bool { return fx.messages.countCreated() == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "first answer", fx.messages.lastCreated().Content)

	// The stale finisher must not have removed the newer task's handle:
	// disconnecting now has to cancel the stream that is still running.
	fx.orchestrator.Disconnect(sender)
	awaitReturn(t, llmProvider)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 3, fx.messages.countCreated())

	var aiMessages int
	for _, eventType := range drainEventTypes(t, observer) {
		if eventType == constant.EventAiMessage {
			aiMessages++
		}
	}
	assert.Equal(t, 1, aiMessages)
}

// drainEventTypes empties the client's queue and returns the decoded event
// types in delivery order.
func drainEventTypes(t *testing.T, c *ws.Client) []string {
	t.Helper()
	var types []string
	for {
		select {
		case payload := <-c.Send:
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(payload, &body))
			eventType, _ := body["type"].(string)
			types = append(types, eventType)
		default:
			return types
		}
	}
}

func TestSecondMessageOverwritesWithoutCancellingFirst(t *testing.T) {
	llmProvider := newScriptedLLM()
	fx := newFixture(t, llmProvider)
	sessionId := uuid.New()

	sender := newTestClient(sessionId, "alice")
	observer := newTestClient(sessionId, "bob")
	fx.orchestrator.Connect(sender)
	fx.orchestrator.Connect(observer)
	drainAll(sender)
	drainAll(observer)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("first question", false))
	first := awaitStream(t, llmProvider)

	fx.orchestrator.HandleEnvelope(context.Background(), sender, chatEnvelope("second question", false))
	awaitStream(t, llmProvider)

	// Disconnect cancels the current handle, which is the second task.
	fx.orchestrator.Disconnect(sender)
	awaitReturn(t, llmProvider)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 2, fx.messages.countCreated())
	assert.Equal(t, entity.RoleUser, fx.messages.lastCreated().Role)

	// The first task was never cancelled by the overwrite and still finishes.
	first.release <- "late answer"
	awaitReturn(t, llmProvider)

	require.Eventually(t, func() bool { return fx.messages.countCreated() == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "late answer", fx.messages.lastCreated().Content)
	assert.Equal(t, entity.RoleAssistant, fx.messages.lastCreated().Role)
}

func drainAll(c *ws.Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}
