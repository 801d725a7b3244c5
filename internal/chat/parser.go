package chat

import (
	"encoding/json"
	"log"
	"strings"

	"docassist/internal/models"
)

const eventMarker = "data:"

type framePayload struct {
	Text        string   `json:"text"`
	MsgID       *int     `json:"msg_id"`
	Overwrite   bool     `json:"overwrite"`
	EOF         *bool    `json:"eof"`
	Suggestions []string `json:"suggestions"`
}

// ParseChunk decodes one received network chunk into fragments. Chunk
// boundaries are not event boundaries: a chunk may carry zero, one, or many
// newline-delimited event records, and only lines carrying the data marker
// plus a JSON object are events. A malformed line is logged and dropped
// without aborting the rest of the chunk.
//
// An absent eof field decodes as true. The backend omits it on single-shot
// replies, so the permissive default is load-bearing: a server that forgets
// the field on a streaming reply finalizes the message early.
func ParseChunk(chunk string) []models.StreamFragment {
	var fragments []models.StreamFragment
	for _, line := range strings.Split(chunk, "\n") {
		if !strings.Contains(line, eventMarker) {
			continue
		}
		start := strings.Index(line, "{")
		if start < 0 {
			// marker without payload, likely a partial frame
			continue
		}
		var payload framePayload
		if err := json.Unmarshal([]byte(line[start:]), &payload); err != nil {
			log.Printf("drop malformed stream line: %v", err)
			continue
		}
		eof := true
		if payload.EOF != nil {
			eof = *payload.EOF
		}
		fragments = append(fragments, models.StreamFragment{
			Text:        payload.Text,
			MsgID:       payload.MsgID,
			Overwrite:   payload.Overwrite,
			EOF:         eof,
			Suggestions: payload.Suggestions,
		})
	}
	return fragments
}
