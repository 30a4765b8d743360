// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"family-care-go/internal/config"
	"family-care-go/internal/model"
	"family-care-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

const messageMapping = `{
	"mappings": {
		"properties": {
			"message_id": { "type": "keyword" },
			"conversation_id": { "type": "keyword" },
			"owner_patient_id": { "type": "long" },
			"chat_type": { "type": "keyword" },
			"sender_id": { "type": "long" },
			"is_ai": { "type": "boolean" },
			"content": { "type": "text", "analyzer": "standard" },
			"created_at": { "type": "date" }
		}
	}
}`

// InitES 初始化 Elasticsearch 客户端并确保消息索引存在。
func InitES(esCfg config.ElasticsearchConfig) error {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(indexName string) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	created, err := ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(messageMapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer created.Body.Close()
	if created.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, created.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// MessageIndex 把消息文档写入指定索引。
type MessageIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewMessageIndex 创建一个 MessageIndex。
func NewMessageIndex(client *elasticsearch.Client, indexName string) *MessageIndex {
	return &MessageIndex{client: client, indexName: indexName}
}

// IndexMessage 以消息 ID 作为文档 ID 写入（编辑时覆盖）。
func (m *MessageIndex) IndexMessage(ctx context.Context, doc model.MessageDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      m.indexName,
		DocumentID: doc.MessageID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引消息到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index message")
	}
	return nil
}

// DeleteConversation 删除某个会话的所有消息文档。
func (m *MessageIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	var buf bytes.Buffer
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"conversation_id": conversationID},
		},
	}
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return err
	}

	res, err := m.client.DeleteByQuery(
		[]string{m.indexName},
		&buf,
		m.client.DeleteByQuery.WithContext(ctx),
		m.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("delete by query failed: %s", string(body))
	}
	return nil
}
