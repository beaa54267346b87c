package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/trial-match-server/internal/domain"
)

// LinkerConfig configures the remote concept linker client.
type LinkerConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

var (
	linkerOnce     sync.Once
	linkerInstance domain.ConceptLinker
)

// InitLinker performs the process-wide, one-time construction of the
// concept linker. An empty base URL selects the stub so the matching core
// works without the linker service. Subsequent calls return the same
// instance regardless of arguments.
func InitLinker(config LinkerConfig, logger *logrus.Logger) domain.ConceptLinker {
	linkerOnce.Do(func() {
		if config.BaseURL == "" {
			if logger != nil {
				logger.Info("concept linker not configured, using stub")
			}
			linkerInstance = &StubLinker{}
			return
		}
		linkerInstance = NewRemoteLinker(config, logger)
		if logger != nil {
			logger.WithField("base_url", config.BaseURL).Info("concept linker initialized")
		}
	})
	return linkerInstance
}

// StubLinker is the no-op concept linker. It returns empty CUI sets, which
// pushes the scorer onto its substring condition fallback.
type StubLinker struct{}

// ExtractCUIs implements domain.ConceptLinker.
func (s *StubLinker) ExtractCUIs(ctx context.Context, text string) ([]string, error) {
	return []string{}, nil
}

// ExtractCUIsMany implements domain.ConceptLinker.
func (s *StubLinker) ExtractCUIsMany(ctx context.Context, texts []string) ([]string, error) {
	return []string{}, nil
}

// RemoteLinker calls an entity-linking service that maps clinical text to
// UMLS concept identifiers.
type RemoteLinker struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

type linkRequest struct {
	Texts []string `json:"texts"`
}

type linkResponse struct {
	CUIs []string `json:"cuis"`
}

// NewRemoteLinker creates a concept linker client.
func NewRemoteLinker(config LinkerConfig, logger *logrus.Logger) *RemoteLinker {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ConceptLinker",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
	return &RemoteLinker{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// ExtractCUIs implements domain.ConceptLinker.
func (l *RemoteLinker) ExtractCUIs(ctx context.Context, text string) ([]string, error) {
	return l.ExtractCUIsMany(ctx, []string{text})
}

// ExtractCUIsMany implements domain.ConceptLinker. The returned set is
// deduplicated and sorted for determinism.
func (l *RemoteLinker) ExtractCUIsMany(ctx context.Context, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}

	result, err := l.breaker.Execute(func() (interface{}, error) {
		return l.doLink(ctx, texts)
	})
	if err != nil {
		return nil, err
	}

	cuis := result.([]string)
	seen := make(map[string]struct{}, len(cuis))
	out := make([]string, 0, len(cuis))
	for _, c := range cuis {
		if _, dup := seen[c]; dup || c == "" {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (l *RemoteLinker) doLink(ctx context.Context, texts []string) ([]string, error) {
	payload, err := json.Marshal(linkRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling link request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/link", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling concept linker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("concept linker returned %d: %s", resp.StatusCode, body)
	}

	var decoded linkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding link response: %w", err)
	}
	return decoded.CUIs, nil
}
