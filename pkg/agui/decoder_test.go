package agui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	started  int
	finished int
	runErrs  []error
	messages []AssistantMessage
	failWith error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnRunStarted:  func(context.Context, RunEvent) { r.started++ },
		OnRunFinished: func(context.Context, RunEvent) { r.finished++ },
		OnRunError:    func(_ context.Context, err error) { r.runErrs = append(r.runErrs, err) },
		OnAssistantMessage: func(_ context.Context, msg AssistantMessage) error {
			r.messages = append(r.messages, msg)
			return r.failWith
		},
	}
}

func sse(frames ...string) string {
	var b strings.Builder
	for _, frame := range frames {
		b.WriteString("data: ")
		b.WriteString(frame)
		b.WriteString("\n\n")
	}
	return b.String()
}

func decode(t *testing.T, rec *recorder, body string) error {
	t.Helper()
	return NewDecoder(rec.handlers(), 3, nil).Decode(context.Background(), strings.NewReader(body))
}

func TestDecodeStreamedMessage(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"RUN_STARTED","runId":"r1","threadId":"u1"}`,
		`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":" there"}`,
		`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
		`{"type":"RUN_FINISHED","runId":"r1"}`,
	))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.finished)
	assert.Equal(t, []AssistantMessage{{ID: "m1", Content: "Hi there"}}, rec.messages)
}

func TestDecodeDeliversEachMessageOnce(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
	}{
		{
			name: "streamed then snapshot",
			frames: []string{
				`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
				`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`,
				`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
				`{"type":"TEXT_MESSAGE","messageId":"m1","role":"assistant","content":"Hi"}`,
				`{"type":"MESSAGES_SNAPSHOT","messages":[{"id":"m1","role":"assistant","content":"Hi"}]}`,
				`{"type":"RUN_FINISHED"}`,
			},
		},
		{
			name: "snapshot only",
			frames: []string{
				`{"type":"TEXT_MESSAGE","messageId":"m1","role":"assistant","content":"Hi"}`,
				`{"type":"TEXT_MESSAGE","messageId":"m1","role":"assistant","content":"Hi"}`,
			},
		},
		{
			name: "messages snapshot only",
			frames: []string{
				`{"type":"MESSAGES_SNAPSHOT","messages":[{"id":"u","role":"user","content":"hello"},{"id":"m1","role":"assistant","content":"Hi"}]}`,
				`{"type":"RUN_FINISHED"}`,
			},
		},
		{
			name: "end repeated",
			frames: []string{
				`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
				`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`,
				`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
				`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
				`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
				`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`,
				`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			require.NoError(t, decode(t, rec, sse(tt.frames...)))
			require.Len(t, rec.messages, 1)
			assert.Equal(t, AssistantMessage{ID: "m1", Content: "Hi"}, rec.messages[0])
		})
	}
}

func TestDecodeGivesUpAfterConsecutiveFailures(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{not json`,
		`{not json`,
		`{not json`,
		`{not json`,
		`{"type":"TEXT_MESSAGE","messageId":"m1","role":"assistant","content":"late"}`,
	))

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr), "got %v", err)
	assert.Equal(t, 4, decodeErr.Failures)
	assert.Empty(t, rec.messages, "frames after the fatal error must not be processed")
}

func TestDecodeSuccessResetsFailureCount(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{bad`, `{bad`, `{bad`,
		`{"type":"RUN_STARTED"}`,
		`{bad`, `{bad`, `{bad`,
		`{"type":"TEXT_MESSAGE","messageId":"m1","content":"ok"}`,
	))
	require.NoError(t, err)
	assert.Len(t, rec.messages, 1)
}

func TestDecodeRunFinishedFlushesOpenMessages(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"RUN_STARTED"}`,
		`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"first"}`,
		`{"type":"TEXT_MESSAGE_START","messageId":"m2","role":"assistant"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m2","delta":"second"}`,
		`{"type":"RUN_FINISHED"}`,
	))
	require.NoError(t, err)

	assert.Equal(t, []AssistantMessage{{ID: "m1", Content: "first"}, {ID: "m2", Content: "second"}}, rec.messages)
	assert.Equal(t, 1, rec.finished)
}

func TestDecodeSkipsBlankAndNonAssistantContent(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"   "}`,
		`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
		`{"type":"TEXT_MESSAGE_START","messageId":"u1","role":"user"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"u1","delta":"echo"}`,
		`{"type":"TEXT_MESSAGE_END","messageId":"u1"}`,
		`{"type":"TEXT_MESSAGE","messageId":"t1","role":"tool","content":"result"}`,
		`{"type":"TOOL_CALL_START","toolCallId":"c1"}`,
		`{"type":"RUN_FINISHED"}`,
	))
	require.NoError(t, err)
	assert.Empty(t, rec.messages)
}

func TestDecodeChunkOpensAssistantMessage(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"TEXT_MESSAGE_CHUNK","messageId":"m1","role":"assistant","delta":"a"}`,
		`{"type":"TEXT_MESSAGE_CHUNK","delta":{"n":1}}`,
		`{"type":"RUN_FINISHED"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []AssistantMessage{{ID: "m1", Content: `a{"n":1}`}}, rec.messages)
}

func TestDecodeSnapshotSkippedAfterStreaming(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`,
		`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
		`{"type":"MESSAGES_SNAPSHOT","messages":[{"id":"m2","role":"assistant","content":"other"}]}`,
	))
	require.NoError(t, err)
	require.Len(t, rec.messages, 1)
	assert.Equal(t, "m1", rec.messages[0].ID)
}

func TestDecodeRunStartedClearsState(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"RUN_STARTED"}`,
		`{"type":"TEXT_MESSAGE","messageId":"m1","content":"one"}`,
		`{"type":"RUN_STARTED"}`,
		`{"type":"TEXT_MESSAGE","messageId":"m1","content":"two"}`,
	))
	require.NoError(t, err)
	assert.Len(t, rec.messages, 2)
	assert.Equal(t, 2, rec.started)
}

func TestDecodeRunError(t *testing.T) {
	rec := &recorder{}
	err := decode(t, rec, sse(
		`{"type":"RUN_STARTED"}`,
		`{"type":"RUN_ERROR","message":"model overloaded","code":529}`,
		`{"type":"TEXT_MESSAGE","messageId":"m1","content":"late"}`,
	))

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "model overloaded", runErr.Message)
	assert.Equal(t, "529", runErr.Code)
	require.Len(t, rec.runErrs, 1)
	assert.Empty(t, rec.messages)
}

func TestDecodeHandlerErrorAborts(t *testing.T) {
	rec := &recorder{failWith: fmt.Errorf("send failed")}
	err := decode(t, rec, sse(
		`{"type":"TEXT_MESSAGE","messageId":"m1","content":"one"}`,
		`{"type":"TEXT_MESSAGE","messageId":"m2","content":"two"}`,
	))
	require.Error(t, err)
	assert.ErrorContains(t, err, "send failed")
	assert.Len(t, rec.messages, 1)
}

func TestDecodeFraming(t *testing.T) {
	rec := &recorder{}
	body := ": keep-alive\r\n\r\n" +
		"event: message\r\nid: 1\r\ndata: {\"type\":\"TEXT_MESSAGE\",\r\ndata: \"messageId\":\"m1\",\"content\":\"multi\"}\r\n\r\n" +
		"data: {\"type\":\"TEXT_MESSAGE\",\"messageId\":\"m2\",\"content\":\"no trailing blank\"}"

	require.NoError(t, decode(t, rec, body))
	require.Len(t, rec.messages, 2)
	assert.Equal(t, "multi", rec.messages[0].Content)
	assert.Equal(t, "no trailing blank", rec.messages[1].Content)
}

func TestParseEventRejectsMissingType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"messageId":"m1"}`))
	assert.Error(t, err)

	event, err := ParseEvent([]byte(`{"type":"STATE_DELTA"}`))
	require.NoError(t, err)
	assert.False(t, event.Type.Known())
	assert.True(t, EventRunStarted.Known())
}
