// Package extraction turns a window of raw utterances into structured topic
// segments using an LLM, tolerating malformed model output.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hikarukin/engram/internal/llm"
	"github.com/hikarukin/engram/internal/models"
)

// Extractor segments utterance windows into topics.
type Extractor struct {
	client llm.Client
	logger *slog.Logger
}

func NewExtractor(client llm.Client, logger *slog.Logger) *Extractor {
	return &Extractor{client: client, logger: logger}
}

// rawTopicResponse mirrors the JSON contract of the segmentation prompt.
// Indices are local to the transcript sent in this call.
type rawTopicResponse struct {
	CompletedTopics []rawCompletedTopic `json:"completed_topics"`
	OngoingTopics   []rawOngoingTopic   `json:"ongoing_topics"`
}

type rawCompletedTopic struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	Concepts       []string `json:"concepts"`
	MessageIndices []int    `json:"message_indices"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
}

type rawOngoingTopic struct {
	Concepts       []string `json:"concepts"`
	MessageIndices []int    `json:"message_indices"`
	// Pointer distinguishes "absent" from 0. An absent probability is
	// treated as 0.0, which never triggers a reply.
	ContinuationProbability *float64 `json:"continuation_probability"`
}

// ExtractTopics sends the window to the model and returns validated topics
// with message indices translated back into utterance IDs. Topics that fail
// validation are dropped individually with a warning rather than failing the
// whole batch.
func (e *Extractor) ExtractTopics(ctx context.Context, utts []*models.Utterance) (*models.TopicBatch, error) {
	if len(utts) == 0 {
		return &models.TopicBatch{}, nil
	}

	transcript := FormatTranscript(utts)
	out, err := e.client.Complete(ctx, segmentationPrompt,
		[]llm.Message{{Role: llm.RoleUser, Content: transcript}},
		llm.CompleteOptions{Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("segment topics: %w", err)
	}

	raw, err := parseTopicResponse(out)
	if err != nil {
		// Unparseable output degrades to an empty batch; the window stays
		// unprocessed and the next pass retries.
		e.logger.Warn("unparseable topic response", "error", err)
		return &models.TopicBatch{}, nil
	}

	batch := &models.TopicBatch{}
	for i, rt := range raw.CompletedTopics {
		ids, ok := translateIndices(rt.MessageIndices, utts)
		if !ok || rt.Title == "" {
			e.logger.Warn("dropping malformed completed topic",
				"index", i, "title", rt.Title)
			continue
		}
		batch.Completed = append(batch.Completed, models.CompletedTopic{
			Title:      rt.Title,
			Summary:    rt.Summary,
			Concepts:   cleanConcepts(rt.Concepts),
			MessageIDs: ids,
			StartTime:  rt.StartTime,
			EndTime:    rt.EndTime,
		})
	}
	for i, rt := range raw.OngoingTopics {
		ids, ok := translateIndices(rt.MessageIndices, utts)
		if !ok {
			e.logger.Warn("dropping malformed ongoing topic", "index", i)
			continue
		}
		prob := 0.0
		if rt.ContinuationProbability != nil {
			prob = clamp01(*rt.ContinuationProbability)
		}
		batch.Ongoing = append(batch.Ongoing, models.OngoingTopic{
			Concepts:                cleanConcepts(rt.Concepts),
			MessageIDs:              ids,
			ContinuationProbability: prob,
		})
	}
	return batch, nil
}

// FormatTranscript renders utterances as a numbered transcript the prompt
// indices refer back to.
func FormatTranscript(utts []*models.Utterance) string {
	var b strings.Builder
	for i, u := range utts {
		speaker := u.UserName
		if u.IsFromAgent {
			speaker = speaker + " (you)"
		}
		fmt.Fprintf(&b, "[%d] [%s] %s says: %s\n",
			i, u.CreatedAt.Format(time.RFC3339), speaker, u.Content)
	}
	return b.String()
}

// parseTopicResponse strips markdown code fences the model sometimes wraps
// around its JSON and unmarshals the result.
func parseTopicResponse(out string) (*rawTopicResponse, error) {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```json")
		out = strings.TrimPrefix(out, "```")
		if idx := strings.LastIndex(out, "```"); idx >= 0 {
			out = out[:idx]
		}
		out = strings.TrimSpace(out)
	}

	var raw rawTopicResponse
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &raw, nil
}

// translateIndices maps local transcript indices to utterance IDs. Any
// out-of-range index invalidates the topic.
func translateIndices(indices []int, utts []*models.Utterance) ([]string, bool) {
	if len(indices) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(utts) {
			return nil, false
		}
		ids = append(ids, utts[idx].ID)
	}
	return ids, true
}

func cleanConcepts(concepts []string) []string {
	seen := make(map[string]bool, len(concepts))
	var out []string
	for _, c := range concepts {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
