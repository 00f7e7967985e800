// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageContentForms(t *testing.T) {
	var msg ChatCompletionMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))
	require.Equal(t, "hello", msg.Content.PlainText())
	require.False(t, msg.Content.IsEmpty())

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[
		{"type":"text","text":"look: "},
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},
		{"type":"text","text":"an image"}]}`), &msg))
	require.Len(t, msg.Content.Parts, 3)
	require.Equal(t, "look: an image", msg.Content.PlainText())

	// Assistant messages carrying only tool calls have null content.
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null,
		"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]}`), &msg))
	require.True(t, msg.Content.IsEmpty())

	var bad MessageContent
	require.Error(t, json.Unmarshal([]byte(`7`), &bad))
}

func TestToolChoiceForms(t *testing.T) {
	var tc ToolChoice
	require.NoError(t, json.Unmarshal([]byte(`"auto"`), &tc))
	require.Equal(t, ToolChoiceAuto, tc.Mode)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"function","function":{"name":"get_weather"}}`), &tc))
	require.Equal(t, "get_weather", tc.Function)

	out, err := json.Marshal(ToolChoice{Function: "get_weather"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"function","function":{"name":"get_weather"}}`, string(out))

	out, err = json.Marshal(ToolChoice{Mode: ToolChoiceRequired})
	require.NoError(t, err)
	require.JSONEq(t, `"required"`, string(out))
}

func TestChunkDeltaDecoding(t *testing.T) {
	var chunk ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(`{"id":"cmpl-1","model":"gpt-4o","choices":[
		{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"a\""}}]},"finish_reason":null}]}`), &chunk))
	require.Len(t, chunk.Choices, 1)
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	require.NotNil(t, tc.Index)
	require.Equal(t, 0, *tc.Index)
	require.Equal(t, `{"a"`, tc.Function.Arguments)
	require.Nil(t, chunk.Choices[0].FinishReason)
}
