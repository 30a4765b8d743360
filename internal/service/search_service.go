package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"family-care-go/internal/model"
	"family-care-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

const (
	defaultTopK = 10
	maxTopK     = 50
)

// SearchService 接口定义了消息检索操作。
type SearchService interface {
	SearchMessages(ctx context.Context, principal model.Principal, query string, topK int) ([]model.SearchHit, error)
}

type searchService struct {
	esClient  *elasticsearch.Client
	indexName string
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(esClient *elasticsearch.Client, indexName string) SearchService {
	return &searchService{esClient: esClient, indexName: indexName}
}

// buildMessageQuery 对内容做全文匹配，并限定在主体所属的家庭组内。
func buildMessageQuery(query string, patientID uint, topK int) map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"content": map[string]interface{}{
							"query":     query,
							"fuzziness": "AUTO",
						},
					},
				},
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"owner_patient_id": patientID}},
				},
			},
		},
		"sort": []interface{}{"_score", map[string]interface{}{"created_at": "desc"}},
		"size": topK,
	}
}

func (s *searchService) SearchMessages(ctx context.Context, principal model.Principal, query string, topK int) ([]model.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, newError(ErrValidation, "query is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildMessageQuery(query, principal.PatientID(), topK)); err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to encode search query")
	}

	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.indexName),
		s.esClient.Search.WithBody(&buf),
	)
	if err != nil {
		log.Errorf("[SearchService] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return nil, wrapError(ErrUpstream, err, "search failed")
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(body))
		return nil, newError(ErrUpstream, "search failed")
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.MessageDocument `json:"_source"`
				Score  float64               `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, wrapError(ErrUpstream, err, "failed to decode search response")
	}

	results := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		results = append(results, model.SearchHit{
			ConversationID: hit.Source.ConversationID,
			MessageID:      hit.Source.MessageID,
			ChatType:       hit.Source.ChatType,
			SenderID:       hit.Source.SenderID,
			IsAI:           hit.Source.IsAI,
			Content:        hit.Source.Content,
			Score:          hit.Score,
			CreatedAt:      model.LocalTime(hit.Source.CreatedAt),
		})
	}
	log.Infof("[SearchService] query='%s' patient=%d 命中 %d 条", query, principal.PatientID(), len(results))
	return results, nil
}
