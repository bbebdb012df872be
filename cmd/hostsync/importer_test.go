package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/septivank/watersystem-sync/internal/protocol"
	"go.uber.org/zap"
)

type linkFunc func(ctx context.Context, line string) (*protocol.Reply, error)

func (f linkFunc) Send(ctx context.Context, line string) (*protocol.Reply, error) {
	return f(ctx, line)
}

func noTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

func customerList(n int) []byte {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"account_no": fmt.Sprintf("M-%03d", i+1),
			"name":       "Customer " + strconv.Itoa(i+1),
			"address":    "Purok 1|Zone 2",
		}
	}
	data, _ := json.Marshal(rows)
	return data
}

func TestChunkCustomers(t *testing.T) {
	payloads, err := chunkCustomers(customerList(30), 400)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(payloads) < 2 {
		t.Fatalf("Expected several chunks, got %d", len(payloads))
	}

	rows := 0
	for i, payload := range payloads {
		if len(payload) > 400 {
			t.Errorf("Chunk %d is %d bytes", i, len(payload))
		}
		parts := strings.SplitN(payload, protocol.Separator, 3)
		if parts[0] != strconv.Itoa(i) || parts[1] != strconv.Itoa(len(payloads)) {
			t.Errorf("Unexpected header %s|%s", parts[0], parts[1])
		}
		if strings.Contains(strings.ReplaceAll(parts[2], `\|`, ""), "|") {
			t.Errorf("Chunk %d has an unescaped separator", i)
		}

		var decoded []map[string]any
		if err := json.Unmarshal([]byte(strings.ReplaceAll(parts[2], `\|`, "|")), &decoded); err != nil {
			t.Fatalf("chunk %d json: %v", i, err)
		}
		rows += len(decoded)
	}
	if rows != 30 {
		t.Errorf("Expected 30 rows across chunks, got %d", rows)
	}
}

func TestChunkCustomers_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		max  int
	}{
		{"not json", "{", 400},
		{"not an array", `{"account_no":"M-001"}`, 400},
		{"empty", "[]", 400},
		{"row too large", string(customerList(1)), 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := chunkCustomers([]byte(tt.data), tt.max); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

// chunkDevice acknowledges chunks the way the terminal does
func chunkDevice(failFirst map[int]bool) (linkFunc, *[]int) {
	var sent []int
	rows := map[int]int{}
	return func(_ context.Context, line string) (*protocol.Reply, error) {
		chunk, _ := strings.CutPrefix(line, protocol.CmdUpsertCustomersChunk+protocol.Separator)
		parts := strings.SplitN(chunk, protocol.Separator, 3)
		index, _ := strconv.Atoi(parts[0])
		total, _ := strconv.Atoi(parts[1])
		sent = append(sent, index)

		if failFirst[index] {
			delete(failFirst, index)
			return nil, context.DeadlineExceeded
		}

		var decoded []json.RawMessage
		if err := json.Unmarshal([]byte(strings.ReplaceAll(parts[2], `\|`, "|")), &decoded); err != nil {
			return nil, &protocol.DeviceError{Command: protocol.CmdUpsertCustomersChunk, Reason: "JSON_PARSE_FAILED"}
		}
		rows[index] = len(decoded)
		if index < total-1 {
			return &protocol.Reply{Command: "CHUNK", Detail: []string{parts[0]}}, nil
		}
		sum := 0
		for _, n := range rows {
			sum += n
		}
		return &protocol.Reply{Command: protocol.CmdUpsertCustomersJSON, Detail: []string{strconv.Itoa(sum)}}, nil
	}, &sent
}

func TestImporter_Run(t *testing.T) {
	link, sent := chunkDevice(map[int]bool{1: true})
	im := NewImporter(link, 400, noTimeout, zap.NewNop())

	count, err := im.Run(context.Background(), customerList(30))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if count != 30 {
		t.Errorf("Expected 30 imported, got %d", count)
	}
	if (*sent)[1] != 1 || (*sent)[2] != 1 {
		t.Errorf("Expected chunk 1 to be resent, got %v", *sent)
	}
}

func TestImporter_DeviceRejectionIsNotRetried(t *testing.T) {
	calls := 0
	link := linkFunc(func(_ context.Context, _ string) (*protocol.Reply, error) {
		calls++
		return nil, &protocol.DeviceError{Command: protocol.CmdUpsertCustomersChunk, Reason: "UPSERT_FAILED"}
	})
	im := NewImporter(link, 400, noTimeout, zap.NewNop())

	_, err := im.Run(context.Background(), customerList(3))
	var devErr *protocol.DeviceError
	if !errors.As(err, &devErr) || devErr.Reason != "UPSERT_FAILED" {
		t.Errorf("Expected UPSERT_FAILED, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
}

func TestImporter_GivesUpAfterRetries(t *testing.T) {
	calls := 0
	link := linkFunc(func(_ context.Context, _ string) (*protocol.Reply, error) {
		calls++
		return nil, context.DeadlineExceeded
	})
	im := NewImporter(link, 400, noTimeout, zap.NewNop())

	if _, err := im.Run(context.Background(), customerList(3)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}
