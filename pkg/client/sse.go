package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ParseSSEEvent extracts the JSON payload from one event's lines.
func ParseSSEEvent(lines []string) (json.RawMessage, bool) {
	for _, line := range lines {
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimSpace(payload)
			if payload == "" {
				continue
			}
			return json.RawMessage(payload), true
		}
	}
	return nil, false
}

// ReadEvents streams SSE events, invoking eventFn for each completed event.
func ReadEvents(body io.Reader, eventFn func(json.RawMessage) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return dispatchEvent(lines, eventFn)
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

func dispatchEvent(lines []string, eventFn func(json.RawMessage) error) error {
	if len(lines) == 0 {
		return nil
	}
	payload, ok := ParseSSEEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(payload)
}
