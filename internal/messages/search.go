package messages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/eldtechnologies/tradechat/internal/models"
)

const (
	maxQueryLength  = 100
	maxQueryTokens  = 5
	defaultHitLimit = 20
	maxHitLimit     = 100
)

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopWords are common words to exclude from search
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"it": true, "that": true, "this": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "into": true, "like": true,
}

// tokenize extracts the distinct searchable words of text.
func tokenize(text string) []string {
	words := wordRegex.FindAllString(strings.ToLower(text), -1)

	seen := make(map[string]bool)
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) >= 2 && !seen[w] && !stopWords[w] {
			seen[w] = true
			result = append(result, w)
		}
	}
	return result
}

// Search returns the newest messages of a room containing every word of
// query, newest first.
func (s *Service) Search(ctx context.Context, roomID uuid.UUID, viewer, query string, limit int) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", models.ErrValidation)
	}
	if len(query) > maxQueryLength {
		return nil, fmt.Errorf("%w: query too long (max %d chars)", models.ErrValidation, maxQueryLength)
	}
	if limit <= 0 {
		limit = defaultHitLimit
	}
	if limit > maxHitLimit {
		limit = maxHitLimit
	}

	if err := s.gate.Authorize(ctx, roomID, viewer); err != nil {
		return nil, err
	}

	tokens := tokenize(query)
	if len(tokens) > maxQueryTokens {
		tokens = tokens[:maxQueryTokens]
	}
	if len(tokens) == 0 {
		return []models.Message{}, nil
	}

	hits, err := s.log.SearchMessages(ctx, roomID.String(), tokens, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return hits, nil
}
