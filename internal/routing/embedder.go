package routing

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/pkg/textx"
	"github.com/fairyhunter13/ai-feed-triage/pkg/vecx"
)

// EmbedTextMaxChars bounds the normalized text sent to the embedding model.
const EmbedTextMaxChars = 320

// BuildEmbedText produces the canonical embedding input for one post: URLs
// and mentions stripped, whitespace collapsed, truncated, with a language
// prefix so multilingual content stays separable.
func BuildEmbedText(text, lang string) string {
	s := textx.StripURLsAndMentions(text)
	s = textx.CollapseWhitespace(s)
	s = textx.TruncateRunes(s, EmbedTextMaxChars)
	if lang != "" {
		return "[" + strings.ToLower(lang) + "] " + s
	}
	return s
}

// Embedder resolves normalized post vectors, reusing stored rows when the
// model, dimensions and text hash still match and calling the external
// service only for the rest.
type Embedder struct {
	embeddings domain.EmbeddingRepository
	ai         domain.AIClient
	model      string
	dims       int
}

// NewEmbedder constructs an Embedder for one {model, dimensions} pair.
func NewEmbedder(embeddings domain.EmbeddingRepository, ai domain.AIClient, model string, dims int) *Embedder {
	return &Embedder{embeddings: embeddings, ai: ai, model: model, dims: dims}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Dimensions returns the embedding dimensionality.
func (e *Embedder) Dimensions() int { return e.dims }

// Resolve returns a normalized vector per post external id. Posts whose
// stored embedding is stale or missing are embedded in one pass and the new
// rows upserted. Posts the provider fails to embed are absent from the map.
func (e *Embedder) Resolve(ctx domain.Context, posts []domain.Post) (map[string][]float32, error) {
	if len(posts) == 0 {
		return map[string][]float32{}, nil
	}

	ids := make([]string, 0, len(posts))
	hashes := make(map[string]string, len(posts))
	texts := make(map[string]string, len(posts))
	for _, p := range posts {
		et := BuildEmbedText(p.Text, p.Lang)
		ids = append(ids, p.ExternalID)
		texts[p.ExternalID] = et
		hashes[p.ExternalID] = textx.HashText(et)
	}

	stored, err := e.embeddings.GetByPostIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=routing.resolveEmbeddings: %w", err)
	}

	out := make(map[string][]float32, len(posts))
	var missingIDs []string
	var missingTexts []string
	for _, id := range ids {
		if emb, ok := stored[id]; ok && emb.Fresh(e.model, e.dims, hashes[id]) {
			out[id] = vecx.Normalize(emb.Vector)
			continue
		}
		missingIDs = append(missingIDs, id)
		missingTexts = append(missingTexts, texts[id])
	}
	if len(missingIDs) == 0 {
		return out, nil
	}

	vecs, err := e.ai.Embed(ctx, missingTexts)
	if err != nil {
		return nil, fmt.Errorf("op=routing.resolveEmbeddings: %w", err)
	}
	if len(vecs) != len(missingIDs) {
		return nil, fmt.Errorf("op=routing.resolveEmbeddings: got %d vectors for %d posts", len(vecs), len(missingIDs))
	}

	rows := make([]domain.PostEmbedding, 0, len(missingIDs))
	for i, id := range missingIDs {
		if len(vecs[i]) == 0 {
			continue
		}
		rows = append(rows, domain.PostEmbedding{
			PostExternalID: id,
			Vector:         vecs[i],
			Model:          e.model,
			Dimensions:     len(vecs[i]),
			TextHash:       hashes[id],
		})
		out[id] = vecx.Normalize(vecs[i])
	}
	if len(rows) > 0 {
		if err := e.embeddings.UpsertBatch(ctx, rows); err != nil {
			return nil, fmt.Errorf("op=routing.resolveEmbeddings: %w", err)
		}
	}
	return out, nil
}
