package archive

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// SearchHit is one full-text match over archived message content.
type SearchHit struct {
	InstanceID string  `json:"instance_id"`
	SessionID  string  `json:"session_id"`
	MessageID  string  `json:"message_id"`
	Role       string  `json:"role,omitempty"`
	Score      float64 `json:"score"`
}

// Index provides full-text search over archived messages.
type Index struct {
	index bleve.Index
}

// NewIndex opens or creates the search index at path. An empty path
// builds an in-memory index.
func NewIndex(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create search index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	for _, field := range []string{"instance_id", "session_id", "message_id", "role"} {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		fm.Index = true
		docMapping.AddFieldMappingsAt(field, fm)
	}

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = false
	contentField.Index = true
	docMapping.AddFieldMappingsAt("content", contentField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// IndexMessage indexes (or reindexes) one archived message.
func (ix *Index) IndexMessage(instanceID string, msg domain.Message, content string) error {
	doc := map[string]interface{}{
		"instance_id": instanceID,
		"session_id":  msg.SessionID,
		"message_id":  msg.ID,
		"role":        string(msg.Role),
		"content":     content,
	}
	return ix.index.Index(docID(instanceID, msg.ID), doc)
}

// DeleteMessage removes one message from the index.
func (ix *Index) DeleteMessage(instanceID, messageID string) error {
	return ix.index.Delete(docID(instanceID, messageID))
}

// Search runs a full-text query over archived content. instanceID,
// when non-empty, restricts hits to one instance.
func (ix *Index) Search(queryText, instanceID string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}

	match := bleve.NewMatchQuery(queryText)
	match.SetField("content")
	combined := bleve.NewConjunctionQuery(match)
	if instanceID != "" {
		instQuery := bleve.NewTermQuery(instanceID)
		instQuery.SetField("instance_id")
		combined.AddQuery(instQuery)
	}

	req := bleve.NewSearchRequest(combined)
	req.Size = limit
	req.Fields = []string{"instance_id", "session_id", "message_id", "role"}

	res, err := ix.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := SearchHit{Score: h.Score}
		if v, ok := h.Fields["instance_id"].(string); ok {
			hit.InstanceID = v
		}
		if v, ok := h.Fields["session_id"].(string); ok {
			hit.SessionID = v
		}
		if v, ok := h.Fields["message_id"].(string); ok {
			hit.MessageID = v
		}
		if v, ok := h.Fields["role"].(string); ok {
			hit.Role = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Close closes the index.
func (ix *Index) Close() error {
	return ix.index.Close()
}

func docID(instanceID, messageID string) string {
	return instanceID + "/" + messageID
}
