// Package embedding turns extracted document text into chunk embeddings for
// semantic search. The embedder targets any OpenAI-compatible endpoint; when
// no endpoint is configured the pipeline stores chunks without vectors.
package embedding

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"lectern/internal/config"
	"lectern/internal/logging"
)

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAI implements Embedder against an OpenAI-compatible embeddings API.
type OpenAI struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewOpenAI builds an embedder from configuration. Returns (nil, nil) when no
// base URL is configured, which disables embedding.
func NewOpenAI(cfg config.Embedding, logger *slog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible services often skip auth but the client
		// requires a token value.
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	return &OpenAI{
		embedder: embedder,
		logger:   logging.WithComponent(logger, "embedder"),
	}, nil
}

// EmbedTexts generates embeddings for a batch of chunk texts, in input order.
func (e *OpenAI) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("generating embeddings", logging.Int("count", len(texts)))
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("embedding generation failed", logging.Error(err))
		return nil, err
	}
	return vectors, nil
}
