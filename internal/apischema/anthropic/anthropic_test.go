// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemPromptForms(t *testing.T) {
	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","system":"be terse","messages":[]}`), &req))
	require.Equal(t, "be terse", req.System.PlainText())

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","system":[
		{"type":"text","text":"one"},{"type":"text","text":"two"}],"messages":[]}`), &req))
	require.Equal(t, "one\n\ntwo", req.System.PlainText())

	// String form round-trips back to a JSON string, not an array.
	out, err := json.Marshal(&SystemPrompt{Text: ptr("be terse")})
	require.NoError(t, err)
	require.JSONEq(t, `"be terse"`, string(out))

	var bad SystemPrompt
	require.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestMessageContentForms(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &msg))
	require.NotNil(t, msg.Content.Text)
	require.Equal(t, "hi", *msg.Content.Text)

	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":[
		{"type":"text","text":"calling"},
		{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Oslo"}}]}`), &msg))
	require.Len(t, msg.Content.Blocks, 2)
	require.Equal(t, ContentBlockTypeToolUse, msg.Content.Blocks[1].Type)
	require.JSONEq(t, `{"city":"Oslo"}`, string(msg.Content.Blocks[1].Input))
}

func TestToolResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "string payload", content: `"sunny"`, want: "sunny"},
		{name: "block payload", content: `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, want: "ab"},
		{name: "empty", content: ``, want: ""},
		{name: "unrecognized shape kept raw", content: `{"k":1}`, want: `{"k":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ContentBlock{Type: ContentBlockTypeToolResult, Content: json.RawMessage(tt.content)}
			require.Equal(t, tt.want, b.ToolResultText())
		})
	}
}

func ptr(s string) *string { return &s }
