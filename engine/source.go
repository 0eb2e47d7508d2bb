package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/atlasgurus/badgestone/types"
)

// wireMessage is the decoded form of one bus delivery.
type wireMessage struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Body      map[string]interface{} `json:"body"`
	Usernames []string               `json:"usernames"`
}

// ReaderSource decodes JSON-lines messages from a stream, one message per
// line.  Blank lines are skipped.  It backs the CLI's stdin mode and tests;
// the production bus subscriber presents the same MessageSource face.
type ReaderSource struct {
	scanner *bufio.Scanner
}

func NewReaderSource(r io.Reader) *ReaderSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &ReaderSource{scanner: scanner}
}

func (s *ReaderSource) Next(ctx context.Context) (*types.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wire wireMessage
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		return &types.Message{
			ID:        wire.ID,
			Topic:     wire.Topic,
			Body:      wire.Body,
			Usernames: wire.Usernames,
		}, nil
	}
}
