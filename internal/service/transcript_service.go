package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"family-care-go/internal/model"
	"family-care-go/pkg/storage"
)

const transcriptURLExpiry = 15 * time.Minute

// TranscriptExport 描述一次导出的结果。
type TranscriptExport struct {
	ObjectName string    `json:"objectName"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type transcriptDocument struct {
	ExportedAt   time.Time               `json:"exportedAt"`
	ExportedBy   uint                    `json:"exportedBy"`
	Conversation *model.ConversationView `json:"conversation"`
}

// TranscriptService 把会话导出为 JSON 文件并生成临时下载链接。
type TranscriptService interface {
	Export(ctx context.Context, principal model.Principal, conversationID string) (*TranscriptExport, error)
}

type transcriptService struct {
	conversations ConversationService
	store         storage.ObjectStore
}

// NewTranscriptService 创建一个新的 TranscriptService。
func NewTranscriptService(conversations ConversationService, store storage.ObjectStore) TranscriptService {
	return &transcriptService{conversations: conversations, store: store}
}

func (s *transcriptService) Export(ctx context.Context, principal model.Principal, conversationID string) (*TranscriptExport, error) {
	view, err := s.conversations.Get(ctx, principal, conversationID)
	if err != nil {
		return nil, err
	}

	at := now()
	data, err := json.MarshalIndent(transcriptDocument{
		ExportedAt:   at,
		ExportedBy:   principal.UserID(),
		Conversation: view,
	}, "", "  ")
	if err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to render transcript")
	}

	objectName := fmt.Sprintf("transcripts/%s/%d.json", conversationID, at.Unix())
	if err := s.store.PutJSON(ctx, objectName, data); err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to upload transcript")
	}
	url, err := s.store.PresignedURL(ctx, objectName, transcriptURLExpiry)
	if err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to sign transcript url")
	}
	return &TranscriptExport{
		ObjectName: objectName,
		URL:        url,
		ExpiresAt:  at.Add(transcriptURLExpiry),
	}, nil
}
