package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-match-server/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestBuildRankQueryTextAndBoosts(t *testing.T) {
	body := buildRankQuery("lung cancer egfr", domain.SearchFilters{})

	fs := body["query"].(map[string]interface{})["function_score"].(map[string]interface{})
	boolQ := fs["query"].(map[string]interface{})["bool"].(map[string]interface{})
	must := boolQ["must"].([]map[string]interface{})
	require.Len(t, must, 1)

	mm := must[0]["multi_match"].(map[string]interface{})
	assert.Equal(t, "lung cancer egfr", mm["query"])
	assert.Equal(t, "or", mm["operator"])
	assert.Equal(t, lexicalFields, mm["fields"])

	functions := fs["functions"].([]map[string]interface{})
	require.Len(t, functions, 3)
	assert.Equal(t, 1.05, functions[0]["weight"])
	assert.Equal(t, 1.10, functions[1]["weight"])
	assert.Equal(t, 1.05, functions[2]["weight"])
	assert.Equal(t, "multiply", fs["score_mode"])
	assert.Equal(t, "multiply", fs["boost_mode"])
}

func TestBuildRankQueryEmptyFallsBackToMatchAll(t *testing.T) {
	body := buildRankQuery("", domain.SearchFilters{})

	fs := body["query"].(map[string]interface{})["function_score"].(map[string]interface{})
	boolQ := fs["query"].(map[string]interface{})["bool"].(map[string]interface{})
	must := boolQ["must"].([]map[string]interface{})
	require.Len(t, must, 1)
	_, ok := must[0]["match_all"]
	assert.True(t, ok)
}

func TestBuildFiltersAllSet(t *testing.T) {
	filters := buildFilters(domain.SearchFilters{
		Phase:     "Phase 3",
		Status:    "Recruiting",
		Condition: "breast cancer",
		Country:   "Germany",
		Age:       intPtr(42),
		Sex:       domain.SexFemale,
	})

	// phase, status, condition, country, two age clauses, sex
	require.Len(t, filters, 7)

	raw, err := json.Marshal(filters)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `"phase":"Phase 3"`)
	assert.Contains(t, s, `"overall_status":"Recruiting"`)
	assert.Contains(t, s, `"operator":"and"`)
	assert.Contains(t, s, `"locations.country":"Germany"`)
	assert.Contains(t, s, `"min_age_years":{"lte":42}`)
	assert.Contains(t, s, `"max_age_years":{"gte":42}`)
	// Sex is a keyword field with upper-case values in the index.
	assert.Contains(t, s, `"sex":["FEMALE","ALL"]`)
}

func TestBuildFiltersSexAllOmitted(t *testing.T) {
	filters := buildFilters(domain.SearchFilters{Sex: domain.SexAll})
	assert.Empty(t, filters)

	filters = buildFilters(domain.SearchFilters{Sex: domain.SexUnknown})
	assert.Empty(t, filters)
}

func TestParseSearchResponse(t *testing.T) {
	payload := `{
		"hits": {
			"total": {"value": 120},
			"hits": [
				{"_score": 9.5, "_source": {"nct_id": "NCT001", "title": "Trial one", "conditions": ["NSCLC"]}},
				{"_score": 4.2, "_source": {"nct_id": "NCT002", "phase": "Phase 2"}}
			]
		}
	}`

	result, err := parseSearchResponse(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, 120, result.Total)
	require.Len(t, result.Docs, 2)
	assert.Equal(t, "NCT001", result.Docs[0].Doc.NCTID)
	assert.Equal(t, 9.5, result.Docs[0].Score)
	assert.Equal(t, "Phase 2", result.Docs[1].Doc.Phase)
}

func TestParseSearchResponseInvalid(t *testing.T) {
	_, err := parseSearchResponse(strings.NewReader("not json"))
	assert.Error(t, err)
}

// newTestClient points a real Elasticsearch client at a stub HTTP server.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*LexicalClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewLexicalClientWithTransport(es, "clinical_trials", logrus.New()), srv
}

func TestLexicalClientSearch(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hits":{"total":{"value":1},"hits":[{"_score":3.3,"_source":{"nct_id":"NCT123"}}]}}`))
	})

	res, err := client.Search(context.Background(), "melanoma", domain.SearchFilters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, "/clinical_trials/_search", gotPath)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, "NCT123", res.Docs[0].Doc.NCTID)
}

func TestLexicalClientSearchBackendError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"broken shard"}`))
	})

	_, err := client.Search(context.Background(), "melanoma", domain.SearchFilters{}, 10)
	require.Error(t, err)
	assert.True(t, domain.IsLexicalBackend(err))
}

func TestLexicalClientFetchByIDsPreservesOrder(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Backend returns ids out of order.
		w.Write([]byte(`{"hits":{"total":{"value":2},"hits":[
			{"_score":1,"_source":{"nct_id":"NCT002"}},
			{"_score":1,"_source":{"nct_id":"NCT001"}}
		]}}`))
	})

	docs, err := client.FetchByIDs(context.Background(), []string{"NCT001", "NCT002", "NCT999"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "NCT001", docs[0].NCTID)
	assert.Equal(t, "NCT002", docs[1].NCTID)
}

func TestLexicalClientFetchByIDsEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty id list")
	})

	docs, err := client.FetchByIDs(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, docs)
}

func TestLexicalClientPing(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, client.Ping(context.Background()))
}
