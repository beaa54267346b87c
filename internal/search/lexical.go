// Package search holds the retrieval engines: the lexical Elasticsearch
// client, the dense vector index, and rank fusion.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/domain"
)

// Field boosts for the lexical query. Condition fields dominate because a
// wrong-disease trial is useless no matter how well the summary matches.
var lexicalFields = []string{
	"title^3",
	"brief_summary^2",
	"detailed_description",
	"conditions^4",
	"conditions_all^5",
	"interventions",
	"criteria_inclusion_clean^2",
}

// LexicalClient implements domain.LexicalSearcher over Elasticsearch.
type LexicalClient struct {
	es     *elasticsearch.Client
	index  string
	logger *logrus.Logger
}

// NewLexicalClient connects to Elasticsearch using the given settings.
func NewLexicalClient(cfg domain.SearchConfig, logger *logrus.Logger) (*LexicalClient, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &LexicalClient{es: es, index: cfg.Index, logger: logger}, nil
}

// NewLexicalClientWithTransport is the test seam: it accepts a preconfigured
// low-level client.
func NewLexicalClientWithTransport(es *elasticsearch.Client, index string, logger *logrus.Logger) *LexicalClient {
	return &LexicalClient{es: es, index: index, logger: logger}
}

// Search implements domain.LexicalSearcher.
func (c *LexicalClient) Search(ctx context.Context, query string, filters domain.SearchFilters, size int) (*domain.LexicalResult, error) {
	body := buildRankQuery(query, filters)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewMatchError(domain.ErrLexicalBackend, "marshaling query", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
		c.es.Search.WithSize(size),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, domain.NewMatchError(domain.ErrLexicalBackend, "lexical search failed", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		detail, _ := io.ReadAll(res.Body)
		return nil, domain.NewMatchError(domain.ErrLexicalBackend,
			fmt.Sprintf("lexical search returned %s", res.Status()),
			fmt.Errorf("%s", detail))
	}

	return parseSearchResponse(res.Body)
}

// FetchByIDs implements domain.LexicalSearcher. Order of the result follows
// the order of nctIDs; unknown ids are skipped.
func (c *LexicalClient) FetchByIDs(ctx context.Context, nctIDs []string) ([]domain.TrialDoc, error) {
	if len(nctIDs) == 0 {
		return nil, nil
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"terms": map[string]interface{}{"nct_id": nctIDs},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewMatchError(domain.ErrLexicalBackend, "marshaling id query", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
		c.es.Search.WithSize(len(nctIDs)),
	)
	if err != nil {
		return nil, domain.NewMatchError(domain.ErrLexicalBackend, "id fetch failed", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		detail, _ := io.ReadAll(res.Body)
		return nil, domain.NewMatchError(domain.ErrLexicalBackend,
			fmt.Sprintf("id fetch returned %s", res.Status()),
			fmt.Errorf("%s", detail))
	}

	parsed, err := parseSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.TrialDoc, len(parsed.Docs))
	for _, sd := range parsed.Docs {
		byID[sd.Doc.NCTID] = sd.Doc
	}
	out := make([]domain.TrialDoc, 0, len(nctIDs))
	for _, id := range nctIDs {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Ping implements domain.LexicalSearcher.
func (c *LexicalClient) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return domain.NewMatchError(domain.ErrLexicalBackend, "elasticsearch unreachable", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return domain.NewMatchError(domain.ErrLexicalBackend,
			fmt.Sprintf("elasticsearch ping returned %s", res.Status()), nil)
	}
	return nil
}

// buildRankQuery assembles the boosted lexical query. The text part is a
// weighted multi_match with OR semantics (match_all when empty); filters are
// AND-combined; a function_score layer nudges recruiting and late-phase
// trials up without reordering strong text matches.
func buildRankQuery(query string, filters domain.SearchFilters) map[string]interface{} {
	var textQuery map[string]interface{}
	if query == "" {
		textQuery = map[string]interface{}{"match_all": map[string]interface{}{}}
	} else {
		textQuery = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":    query,
				"fields":   lexicalFields,
				"operator": "or",
			},
		}
	}

	boolQuery := map[string]interface{}{
		"must": []map[string]interface{}{textQuery},
	}
	if filter := buildFilters(filters); len(filter) > 0 {
		boolQuery["filter"] = filter
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"function_score": map[string]interface{}{
				"query": map[string]interface{}{"bool": boolQuery},
				"functions": []map[string]interface{}{
					{
						"filter": map[string]interface{}{"term": map[string]interface{}{"overall_status": "Recruiting"}},
						"weight": 1.05,
					},
					{
						"filter": map[string]interface{}{"terms": map[string]interface{}{"phase": []string{"Phase 3", "Phase 4"}}},
						"weight": 1.10,
					},
					{
						"filter": map[string]interface{}{"term": map[string]interface{}{"phase": "Phase 2"}},
						"weight": 1.05,
					},
				},
				"score_mode": "multiply",
				"boost_mode": "multiply",
			},
		},
	}
}

func buildFilters(filters domain.SearchFilters) []map[string]interface{} {
	out := []map[string]interface{}{}

	if filters.Phase != "" {
		out = append(out, map[string]interface{}{
			"term": map[string]interface{}{"phase": filters.Phase},
		})
	}
	if filters.Status != "" {
		out = append(out, map[string]interface{}{
			"term": map[string]interface{}{"overall_status": filters.Status},
		})
	}
	if filters.Condition != "" {
		out = append(out, map[string]interface{}{
			"match": map[string]interface{}{
				"conditions": map[string]interface{}{
					"query":    filters.Condition,
					"operator": "and",
				},
			},
		})
	}
	if filters.Country != "" {
		out = append(out, map[string]interface{}{
			"nested": map[string]interface{}{
				"path": "locations",
				"query": map[string]interface{}{
					"term": map[string]interface{}{"locations.country": filters.Country},
				},
			},
		})
	}
	if filters.Age != nil {
		age := *filters.Age
		// Trials without stated bounds stay eligible.
		out = append(out,
			map[string]interface{}{
				"bool": map[string]interface{}{
					"should": []map[string]interface{}{
						{"range": map[string]interface{}{"min_age_years": map[string]interface{}{"lte": age}}},
						{"bool": map[string]interface{}{"must_not": map[string]interface{}{"exists": map[string]interface{}{"field": "min_age_years"}}}},
					},
					"minimum_should_match": 1,
				},
			},
			map[string]interface{}{
				"bool": map[string]interface{}{
					"should": []map[string]interface{}{
						{"range": map[string]interface{}{"max_age_years": map[string]interface{}{"gte": age}}},
						{"bool": map[string]interface{}{"must_not": map[string]interface{}{"exists": map[string]interface{}{"field": "max_age_years"}}}},
					},
					"minimum_should_match": 1,
				},
			},
		)
	}
	if filters.Sex == domain.SexMale || filters.Sex == domain.SexFemale {
		// The index stores upper-case keyword values.
		out = append(out, map[string]interface{}{
			"terms": map[string]interface{}{"sex": []string{strings.ToUpper(string(filters.Sex)), "ALL"}},
		})
	}

	return out
}

func parseSearchResponse(body io.Reader) (*domain.LexicalResult, error) {
	var response struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return nil, domain.NewMatchError(domain.ErrLexicalBackend, "decoding search response", err)
	}

	result := &domain.LexicalResult{
		Total: response.Hits.Total.Value,
		Docs:  make([]domain.ScoredDoc, 0, len(response.Hits.Hits)),
	}
	for _, hit := range response.Hits.Hits {
		var doc domain.TrialDoc
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, domain.NewMatchError(domain.ErrLexicalBackend, "decoding trial document", err)
		}
		result.Docs = append(result.Docs, domain.ScoredDoc{Doc: doc, Score: hit.Score})
	}
	return result, nil
}
