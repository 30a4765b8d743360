package service

import (
	"context"
	"errors"
	"testing"

	"family-care-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEngine_Append(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.newFamilyConversation(t)
	before := env.load(t, convID)

	msg, conv, err := env.engine.Append(ctx, convID, env.member.UserID(), "  Dinner at six?  ", false)
	require.NoError(t, err)
	assert.Equal(t, "Dinner at six?", msg.Content)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.IsEdited)
	require.Len(t, conv.Messages, len(before.Messages)+1)
	assert.Equal(t, msg.ID, conv.Messages[len(conv.Messages)-1].ID)
	assert.True(t, conv.LastMessageAt.Equal(msg.CreatedAt))
	assert.False(t, conv.LastMessageAt.Before(before.LastMessageAt))

	stored := env.load(t, convID)
	assert.Len(t, stored.Messages, 1)
}

func TestMessageEngine_AppendRejectsBlankContent(t *testing.T) {
	env := newTestEnv(t)
	convID := env.newFamilyConversation(t)

	_, _, err := env.engine.Append(context.Background(), convID, env.patient.UserID(), " \n\t ", false)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Empty(t, env.load(t, convID).Messages)
}

func TestMessageEngine_AppendMissingConversation(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.engine.Append(context.Background(), "missing", env.patient.UserID(), "hello", false)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMessageEngine_Edit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.newFamilyConversation(t)

	first, _, err := env.engine.Append(ctx, convID, env.patient.UserID(), "first", false)
	require.NoError(t, err)
	second, _, err := env.engine.Append(ctx, convID, env.member.UserID(), "second", false)
	require.NoError(t, err)

	t.Run("sender edits in place", func(t *testing.T) {
		edited, err := env.engine.Edit(ctx, convID, first.ID, env.patient.UserID(), "first, revised")
		require.NoError(t, err)
		assert.True(t, edited.IsEdited)
		assert.Equal(t, "first, revised", edited.Content)
		assert.Equal(t, first.CreatedAt, edited.CreatedAt)

		conv := env.load(t, convID)
		require.Len(t, conv.Messages, 2)
		assert.Equal(t, first.ID, conv.Messages[0].ID)
		assert.Equal(t, second.ID, conv.Messages[1].ID)
		assert.Equal(t, "first, revised", conv.Messages[0].Content)
	})

	t.Run("other user is forbidden", func(t *testing.T) {
		_, err := env.engine.Edit(ctx, convID, second.ID, env.patient.UserID(), "hijack")
		assert.True(t, errors.Is(err, ErrForbidden))
		assert.Equal(t, "second", env.load(t, convID).Messages[1].Content)
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := env.engine.Edit(ctx, convID, "nope", env.patient.UserID(), "x")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("blank content", func(t *testing.T) {
		_, err := env.engine.Edit(ctx, convID, second.ID, env.member.UserID(), "   ")
		assert.True(t, errors.Is(err, ErrValidation))
	})
}

func TestEditMessage_AIMessageIsNotEditable(t *testing.T) {
	conv := &model.Conversation{Messages: []model.Message{{ID: "m1", SenderID: 1, Content: "answer", IsAI: true}}}
	_, err := editMessage(conv, "m1", 1, "changed", now())
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "answer", conv.Messages[0].Content)
}
