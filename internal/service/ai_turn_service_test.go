package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"family-care-go/internal/config"
	"family-care-go/internal/model"
	"family-care-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAITurn_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.newAIConversation(t, env.patient)

	result, err := env.ai.SendAIMessage(ctx, env.patient, convID, "What foods help iron levels?", "")
	require.NoError(t, err)

	conv := result.Conversation
	require.Len(t, conv.Messages, 2)
	assert.False(t, conv.Messages[0].IsAI)
	assert.False(t, conv.Messages[0].Pending)
	assert.Equal(t, "What foods help iron levels?", conv.Messages[0].Content)
	assert.True(t, conv.Messages[1].IsAI)
	assert.Equal(t, env.patient.UserID(), conv.Messages[1].SenderID)
	assert.NotEqual(t, env.cfg.Chat.PlaceholderTitle, conv.Title)
	assert.Equal(t, "Iron-Rich Foods", conv.Title)
	assert.Empty(t, conv.PendingTurn)
	assert.True(t, conv.LastMessageAt.Equal(conv.Messages[1].CreatedAt))

	require.Len(t, result.NewMessages, 2)
	assert.Equal(t, conv.Messages[0].ID, result.NewMessages[0].ID)
	assert.Equal(t, conv.Messages[1].ID, result.NewMessages[1].ID)

	stored := env.load(t, convID)
	assert.Len(t, stored.Messages, 2)
	assert.Equal(t, "Iron-Rich Foods", stored.Title)

	// 回复请求加标题请求
	assert.Equal(t, 2, env.llm.callCount())
	title := env.llm.call(1)
	require.Len(t, title, 2)
	assert.Equal(t, "What foods help iron levels?", title[1].Content)
}

func TestAITurn_PromptCarriesFamilyContext(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newAIConversation(t, env.member)

	_, err := env.ai.SendAIMessage(context.Background(), env.member, convID, "How is mum doing?", "Mia J.")
	require.NoError(t, err)

	prompt := env.llm.call(0)
	require.Len(t, prompt, 2)
	assert.Equal(t, "system", prompt[0].Role)
	assert.Contains(t, prompt[0].Content, "- Patient: Pat Jones")
	assert.Contains(t, prompt[0].Content, "- Family Members: Mia Jones")
	assert.Contains(t, prompt[0].Content, "- Current User: Mia J. (family_member)")
	assert.Equal(t, llm.Message{Role: "user", Content: "How is mum doing?"}, prompt[1])
}

func TestAITurn_SecondTurnKeepsTitleAndSendsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.newAIConversation(t, env.patient)

	_, err := env.ai.SendAIMessage(ctx, env.patient, convID, "What foods help iron levels?", "")
	require.NoError(t, err)
	result, err := env.ai.SendAIMessage(ctx, env.patient, convID, "And vitamin C?", "")
	require.NoError(t, err)

	assert.Len(t, result.Conversation.Messages, 4)
	assert.Equal(t, "Iron-Rich Foods", result.Conversation.Title)
	// 第二轮没有标题请求
	assert.Equal(t, 3, env.llm.callCount())

	prompt := env.llm.call(2)
	roles := make([]string, 0, len(prompt))
	for _, m := range prompt {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestAITurn_FailureRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		respond func(ctx context.Context, messages []llm.Message) (string, error)
	}{
		{"upstream error", func(context.Context, []llm.Message) (string, error) {
			return "", errors.New("503 service unavailable")
		}},
		{"empty completion", func(context.Context, []llm.Message) (string, error) {
			return "   ", nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			convID := env.newAIConversation(t, env.patient)

			// 先完成一轮，确认回滚恢复到非空的先前状态
			_, err := env.ai.SendAIMessage(ctx, env.patient, convID, "What foods help iron levels?", "")
			require.NoError(t, err)
			before := env.load(t, convID)

			env.llm.respond = tt.respond
			_, err = env.ai.SendAIMessage(ctx, env.patient, convID, "Another question", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUpstream))
			assert.Equal(t, "error getting AI response", PublicMessage(err))

			after := env.load(t, convID)
			assert.Len(t, after.Messages, len(before.Messages))
			assert.Equal(t, before.Messages, after.Messages)
			assert.True(t, before.LastMessageAt.Equal(after.LastMessageAt))
			assert.Equal(t, before.Title, after.Title)
			assert.Empty(t, after.PendingTurn)
		})
	}
}

func TestAITurn_TimeoutRollsBack(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.TimeoutSeconds = 1
	env := newTestEnvWithConfig(t, cfg)
	convID := env.newAIConversation(t, env.patient)
	env.llm.respond = func(ctx context.Context, _ []llm.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	_, err := env.ai.SendAIMessage(context.Background(), env.patient, convID, "Are you there?", "")
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)

	conv := env.load(t, convID)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, env.cfg.Chat.PlaceholderTitle, conv.Title)
}

func TestAITurn_TitleFailureKeepsPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newAIConversation(t, env.patient)
	env.llm.respond = func(_ context.Context, messages []llm.Message) (string, error) {
		if isTitleRequest(messages) {
			return "", errors.New("title model overloaded")
		}
		return "Spinach and lentils.", nil
	}

	result, err := env.ai.SendAIMessage(context.Background(), env.patient, convID, "What foods help iron levels?", "")
	require.NoError(t, err)
	assert.Len(t, result.Conversation.Messages, 2)
	assert.Equal(t, env.cfg.Chat.PlaceholderTitle, result.Conversation.Title)
}

func TestAITurn_RejectsFamilyConversationAndStrangers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	familyID := env.newFamilyConversation(t)
	_, err := env.ai.SendAIMessage(ctx, env.patient, familyID, "hello", "")
	assert.True(t, errors.Is(err, ErrValidation))

	convID := env.newAIConversation(t, env.patient)
	_, err = env.ai.SendAIMessage(ctx, env.stranger, convID, "hello", "")
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Empty(t, env.load(t, convID).Messages)
	assert.Zero(t, env.llm.callCount())
}

func TestAITurn_DropsStalePendingTurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.newAIConversation(t, env.patient)

	// 模拟进程在阶段一之后崩溃
	_, err := env.repo.Update(ctx, convID, func(conv *model.Conversation) error {
		createdAt := time.Now().UTC().Add(-(2*env.cfg.LLM.AITimeout() + pendingGrace + time.Minute))
		conv.Messages = append(conv.Messages, model.Message{ID: "stale", SenderID: env.patient.UserID(), Content: "lost", Pending: true, CreatedAt: createdAt})
		conv.PendingTurn = "stale"
		return nil
	})
	require.NoError(t, err)

	result, err := env.ai.SendAIMessage(ctx, env.patient, convID, "What foods help iron levels?", "")
	require.NoError(t, err)
	require.Len(t, result.Conversation.Messages, 2)
	assert.Equal(t, -1, result.Conversation.MessageIndex("stale"))
}

// blockingLLM 在回复请求中阻塞，直到 release 被关闭。
func blockingLLM(reply string, replyErr error) (*fakeLLM, chan struct{}, chan struct{}) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := &fakeLLM{respond: func(_ context.Context, messages []llm.Message) (string, error) {
		if isTitleRequest(messages) {
			return "Iron-Rich Foods", nil
		}
		once.Do(func() { close(entered) })
		<-release
		return reply, replyErr
	}}
	return f, entered, release
}

func waitEntered(t *testing.T, entered chan struct{}) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the model")
	}
}

func TestAITurn_LivePendingTurnOnAnotherInstanceConflicts(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newAIConversation(t, env.patient)

	// 另一个实例：共享存储，会话锁各自独立
	blocking, entered, release := blockingLLM("Spinach and lentils.", nil)
	other := NewAITurnService(env.repo, NewConversationLocker(), blocking, env.users, env.cfg.LLM, env.cfg.Chat)

	errCh := make(chan error, 1)
	go func() {
		_, err := other.SendAIMessage(context.Background(), env.patient, convID, "What foods help iron levels?", "")
		errCh <- err
	}()
	waitEntered(t, entered)

	_, err := env.ai.SendAIMessage(context.Background(), env.member, convID, "And vitamin C?", "")
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Zero(t, env.llm.callCount())

	close(release)
	require.NoError(t, <-errCh)

	conv := env.load(t, convID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "What foods help iron levels?", conv.Messages[0].Content)
	assert.False(t, conv.Messages[0].Pending)
	assert.Empty(t, conv.PendingTurn)
	assert.True(t, conv.LastMessageAt.Equal(conv.Messages[1].CreatedAt))
}

func TestAITurn_RollbackKeepsNewerWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.newAIConversation(t, env.patient)

	blocking, entered, release := blockingLLM("", errors.New("503 service unavailable"))
	env.llm.respond = blocking.respond

	errCh := make(chan error, 1)
	go func() {
		_, err := env.ai.SendAIMessage(ctx, env.patient, convID, "What foods help iron levels?", "")
		errCh <- err
	}()
	waitEntered(t, entered)

	// 轮次进行期间，另一个写入方移除了 pending 消息并追加了更新的消息
	later := time.Now().UTC().Add(time.Second)
	_, err := env.repo.Update(ctx, convID, func(conv *model.Conversation) error {
		removeMessage(conv, conv.PendingTurn)
		conv.PendingTurn = ""
		conv.Messages = append(conv.Messages, model.Message{ID: "newer", SenderID: env.member.UserID(), Content: "newer", CreatedAt: later, UpdatedAt: later})
		conv.LastMessageAt = later
		conv.UpdatedAt = later
		return nil
	})
	require.NoError(t, err)

	close(release)
	assert.True(t, errors.Is(<-errCh, ErrUpstream))

	conv := env.load(t, convID)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "newer", conv.Messages[0].ID)
	assert.True(t, conv.LastMessageAt.Equal(later))
	assert.True(t, conv.UpdatedAt.Equal(later))
}

func TestPendingTurnExpired(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	conv := &model.Conversation{
		Messages:    []model.Message{{ID: "p", Pending: true, CreatedAt: at}},
		PendingTurn: "p",
	}
	assert.False(t, pendingTurnExpired(conv, at.Add(30*time.Second), time.Minute))
	assert.True(t, pendingTurnExpired(conv, at.Add(2*time.Minute), time.Minute))

	conv.PendingTurn = "missing"
	assert.True(t, pendingTurnExpired(conv, at, time.Minute))
}

func TestAITurn_ConcurrentTurnsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newAIConversation(t, env.patient)
	env.llm.respond = func(_ context.Context, messages []llm.Message) (string, error) {
		if isTitleRequest(messages) {
			return "Questions", nil
		}
		time.Sleep(10 * time.Millisecond)
		return "answer to: " + messages[len(messages)-1].Content, nil
	}

	var wg sync.WaitGroup
	for _, q := range []string{"first question", "second question"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := env.ai.SendAIMessage(context.Background(), env.patient, convID, q, "")
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()

	conv := env.load(t, convID)
	require.Len(t, conv.Messages, 4)
	for i := 0; i < 4; i += 2 {
		user, reply := conv.Messages[i], conv.Messages[i+1]
		assert.False(t, user.IsAI)
		assert.False(t, user.Pending)
		assert.True(t, reply.IsAI)
		assert.Equal(t, "answer to: "+user.Content, reply.Content)
	}
}

func TestClampTitle(t *testing.T) {
	assert.Equal(t, "Iron Foods", clampTitle(`  "Iron Foods"  `, 50))
	long := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50), clampTitle(long, 50))
	assert.Equal(t, "abc", clampTitle("abc", 0))
}

func TestProjectHistory(t *testing.T) {
	msgs := []model.Message{
		{Content: "q1"}, {Content: "a1", IsAI: true}, {Content: "q2"},
	}
	assert.Equal(t, []llm.Message{
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, projectHistory(msgs, 2))
	assert.Len(t, projectHistory(msgs, 0), 3)
}
