package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/protocol"
)

// Wire shapes of the Responses API SSE events we decode.

type sseItemEnvelope struct {
	SequenceNumber *uint64         `json:"sequence_number,omitempty"`
	OutputIndex    *uint32         `json:"output_index,omitempty"`
	SummaryIndex   *uint32         `json:"summary_index,omitempty"`
	ContentIndex   *uint32         `json:"content_index,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	Item           json.RawMessage `json:"item,omitempty"`
}

type sseCompleted struct {
	Response struct {
		ID    string               `json:"id"`
		Usage *protocol.TokenUsage `json:"usage,omitempty"`
		Error *sseResponseError    `json:"error,omitempty"`
	} `json:"response"`
}

type sseResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseResult is what the SSE goroutine reports back to the stream driver.
type parseResult struct {
	completed bool
	err       error
}

// parseSSE reads SSE lines from reader, emits typed events on ch, and stops
// on response.completed, a parse-fatal error, ctx cancellation, or idle
// timeout. The caller closes the reader.
func parseSSE(ctx context.Context, reader io.Reader, ch chan<- protocol.ResponseEvent, idleTimeout time.Duration) parseResult {
	lines := make(chan string, 16)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	var eventType string
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return parseResult{err: ctx.Err()}
		case <-idle.C:
			return parseResult{err: &IdleTimeoutError{Elapsed: time.Since(started)}}
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return parseResult{err: err}
					}
				default:
				}
				// Stream ended without response.completed.
				return parseResult{}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

			if after, ok := strings.CutPrefix(line, "event: "); ok {
				eventType = after
				continue
			}
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			done, err := dispatchSSEEvent(ctx, ch, eventType, data)
			if err != nil {
				return parseResult{err: err}
			}
			if done {
				return parseResult{completed: true}
			}
			eventType = ""
		}
	}
}

// dispatchSSEEvent decodes one data payload under the current event type.
// done is true on response.completed / response.failed.
func dispatchSSEEvent(ctx context.Context, ch chan<- protocol.ResponseEvent, eventType, data string) (bool, error) {
	switch eventType {
	case "response.created":
		trySend(ctx, ch, protocol.ResponseEvent{Kind: protocol.EventCreated})

	case "response.output_text.delta":
		var evt sseItemEnvelope
		if !decodeEnvelope(data, &evt) {
			return false, nil
		}
		if evt.Delta != "" {
			trySend(ctx, ch, protocol.ResponseEvent{
				Kind:           protocol.EventOutputTextDelta,
				Delta:          evt.Delta,
				ItemID:         evt.ItemID,
				SequenceNumber: evt.SequenceNumber,
				OutputIndex:    evt.OutputIndex,
			})
		}

	case "response.reasoning_summary_text.delta":
		var evt sseItemEnvelope
		if !decodeEnvelope(data, &evt) {
			return false, nil
		}
		if evt.Delta != "" {
			trySend(ctx, ch, protocol.ResponseEvent{
				Kind:           protocol.EventReasoningSummaryDelta,
				Delta:          evt.Delta,
				ItemID:         evt.ItemID,
				SequenceNumber: evt.SequenceNumber,
				OutputIndex:    evt.OutputIndex,
				SummaryIndex:   evt.SummaryIndex,
			})
		}

	case "response.reasoning_text.delta":
		var evt sseItemEnvelope
		if !decodeEnvelope(data, &evt) {
			return false, nil
		}
		if evt.Delta != "" {
			trySend(ctx, ch, protocol.ResponseEvent{
				Kind:           protocol.EventReasoningContentDelta,
				Delta:          evt.Delta,
				ItemID:         evt.ItemID,
				SequenceNumber: evt.SequenceNumber,
				OutputIndex:    evt.OutputIndex,
				ContentIndex:   evt.ContentIndex,
			})
		}

	case "response.reasoning_summary_part.added":
		trySend(ctx, ch, protocol.ResponseEvent{Kind: protocol.EventReasoningSummaryPartAdded})

	case "response.output_item.added":
		var evt sseItemEnvelope
		if !decodeEnvelope(data, &evt) {
			return false, nil
		}
		var item protocol.ResponseItem
		if len(evt.Item) > 0 && json.Unmarshal(evt.Item, &item) == nil {
			if item.Type == protocol.ItemWebSearchCall {
				trySend(ctx, ch, protocol.ResponseEvent{
					Kind:   protocol.EventWebSearchBegin,
					CallID: item.CallID,
				})
			}
		}

	case "response.output_item.done":
		var evt sseItemEnvelope
		if !decodeEnvelope(data, &evt) {
			return false, nil
		}
		var item protocol.ResponseItem
		if len(evt.Item) == 0 || json.Unmarshal(evt.Item, &item) != nil {
			return false, nil
		}
		if item.Type == protocol.ItemWebSearchCall {
			trySend(ctx, ch, protocol.ResponseEvent{
				Kind:   protocol.EventWebSearchCompleted,
				CallID: item.CallID,
				Query:  item.Query,
			})
		}
		trySend(ctx, ch, protocol.ResponseEvent{
			Kind:           protocol.EventOutputItemDone,
			Item:           &item,
			SequenceNumber: evt.SequenceNumber,
			OutputIndex:    evt.OutputIndex,
		})

	case "response.completed":
		var evt sseCompleted
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			log.Warn().Err(err).Msg("failed to parse response.completed")
			trySend(ctx, ch, protocol.ResponseEvent{Kind: protocol.EventCompleted})
			return true, nil
		}
		trySend(ctx, ch, protocol.ResponseEvent{
			Kind:       protocol.EventCompleted,
			ResponseID: evt.Response.ID,
			Usage:      evt.Response.Usage,
		})
		return true, nil

	case "response.failed":
		var evt sseCompleted
		if err := json.Unmarshal([]byte(data), &evt); err != nil || evt.Response.Error == nil {
			return true, ErrResponseStreamFailed
		}
		return true, classifyResponseError(evt.Response.Error)
	}
	return false, nil
}

func decodeEnvelope(data string, evt *sseItemEnvelope) bool {
	if err := json.Unmarshal([]byte(data), evt); err != nil {
		log.Warn().Err(err).Str("data", data).Msg("failed to parse SSE chunk")
		return false
	}
	return true
}

func classifyResponseError(e *sseResponseError) error {
	lower := strings.ToLower(e.Code + " " + e.Message)
	switch {
	case strings.Contains(lower, "context_length") || strings.Contains(lower, "context window"):
		return ErrContextWindowExceeded
	case strings.Contains(lower, "usage_limit") || strings.Contains(lower, "usage limit"):
		return &UsageLimitError{}
	case strings.Contains(lower, "usage_not_included"):
		return ErrUsageNotIncluded
	}
	return &UnexpectedStatusError{Body: e.Code + ": " + e.Message}
}

// trySend sends an event on ch, aborting if ctx is cancelled.
func trySend(ctx context.Context, ch chan<- protocol.ResponseEvent, evt protocol.ResponseEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
