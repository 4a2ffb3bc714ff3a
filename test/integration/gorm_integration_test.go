package integration

import (
	"context"
	"log"
	"os"
	"testing"

	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/repository/specification"
	"rag-chat-be/internal/repository/unitofwork"
	"rag-chat-be/pkg/database"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormConnection(t *testing.T) {
	// Load .env from root
	err := godotenv.Load("../../.env")
	if err != nil {
		log.Println("No .env file found, using system env")
	}

	dsn := os.Getenv("DB_CONNECTION_STRING")
	if dsn == "" {
		t.Skip("Skipping integration test: DB_CONNECTION_STRING not set")
	}

	gormDB, err := database.NewGormDBFromDSN(dsn)
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}

	// Verify Wiring
	uowFactory := unitofwork.NewRepositoryFactory(gormDB)
	uow := uowFactory.NewUnitOfWork(context.Background())

	assert.NotNil(t, uow.ChatSessionRepository())
	assert.NotNil(t, uow.ChatMessageRepository())
	assert.NotNil(t, uow.DocumentRepository())
	assert.NotNil(t, uow.DocumentChunkRepository())

	// Basic Ping
	sqlDB, _ := gormDB.DB()
	err = sqlDB.Ping()
	assert.NoError(t, err)
	t.Log("Successfully connected to DB and initialized UnitOfWork Factory")

	// Verify Data Access (implies columns exist)
	t.Run("Check Chat Session Repository", func(t *testing.T) {
		count, err := uow.ChatSessionRepository().Count(context.Background())
		assert.NoError(t, err)
		t.Logf("Chat session count: %d", count)
	})

	t.Run("Check Document Chunk Repository", func(t *testing.T) {
		count, err := uow.DocumentChunkRepository().Count(context.Background())
		assert.NoError(t, err)
		t.Logf("Document chunk count: %d", count)
	})

	t.Run("Check Transactional Session With Message", func(t *testing.T) {
		ctx := context.Background()
		userId := uuid.New()

		session := &entity.ChatSession{
			Id:     uuid.New(),
			UserId: userId,
			Title:  "Integration session " + uuid.New().String(),
		}

		err := uow.Begin(ctx)
		require.NoError(t, err)
		defer uow.Rollback()

		err = uow.ChatSessionRepository().Create(ctx, session)
		assert.NoError(t, err)

		message := &entity.ChatMessage{
			Id:            uuid.New(),
			ChatSessionId: session.Id,
			Content:       "hello from the integration test",
			Role:          entity.RoleUser,
		}
		err = uow.ChatMessageRepository().Create(ctx, message)
		assert.NoError(t, err)

		err = uow.Commit()
		assert.NoError(t, err)

		// Read back with ownership filter, then clean up.
		loaded, err := uow.ChatSessionRepository().FindOne(ctx,
			specification.ByID{ID: session.Id},
			specification.UserOwnedBy{UserID: userId},
		)
		assert.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, session.Title, loaded.Title)

		err = uow.ChatMessageRepository().DeleteByChatSessionId(ctx, session.Id)
		assert.NoError(t, err)
		err = uow.ChatSessionRepository().Delete(ctx, session.Id)
		assert.NoError(t, err)

		t.Log("Successfully created session with message in transaction")
	})
}
