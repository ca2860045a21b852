package worker

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrames_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	mustFrame := func(frame []byte, err error) []byte {
		t.Helper()
		require.NoError(t, err)
		return frame
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"call_compile", mustFrame(EncodeCall(7, 2, []any{"main.typ", map[string]any{"useCachedPrepPhase": true}}))},
		{"call_no_args", mustFrame(EncodeCall(8, 1, nil))},
		{"ready_probe", EncodeReadyProbe()},
		{"file_content", mustFrame(EncodeFileContent("chapters/intro.typ", []byte("hello")))},
		{"file_not_modified", mustFrame(EncodeFileNotModified("chapters/intro.typ"))},
		{"file_error", mustFrame(EncodeFileError("missing.typ", "file not found"))},
		{"special_load_file", mustFrame(EncodeSpecial(SpecialLoadFile, []any{"refs.bib", true}))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.Assert(t, tt.name, tt.frame)
		})
	}
}

func TestDecodeMessage_Reply(t *testing.T) {
	msg, err := DecodeMessage([]byte(`[12,true,{"answer":42}]`))
	require.NoError(t, err)

	assert.Equal(t, KindReply, msg.Kind)
	assert.Equal(t, int64(12), msg.ID)
	assert.True(t, msg.OK)
	assert.JSONEq(t, `{"answer":42}`, string(msg.Result))
}

func TestDecodeMessage_FailedReply(t *testing.T) {
	msg, err := DecodeMessage([]byte(`[3,false,"boom"]`))
	require.NoError(t, err)

	assert.Equal(t, KindReply, msg.Kind)
	assert.False(t, msg.OK)
	assert.Equal(t, `"boom"`, string(msg.Result))
}

func TestDecodeMessage_Special(t *testing.T) {
	msg, err := DecodeMessage([]byte(`["load_file",null,["a.typ",false]]`))
	require.NoError(t, err)

	assert.Equal(t, KindSpecial, msg.Kind)
	assert.Equal(t, SpecialLoadFile, msg.Name)

	req, err := DecodeLoadFile(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, LoadFileRequest{Path: "a.typ", CheckChanged: false}, req)
}

func TestDecodeMessage_SpecialWithoutPayload(t *testing.T) {
	msg, err := DecodeMessage([]byte(`["ready"]`))
	require.NoError(t, err)

	assert.Equal(t, KindSpecial, msg.Kind)
	assert.Equal(t, SpecialReady, msg.Name)
	assert.Nil(t, msg.Payload)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	frames := map[string]string{
		"not json":        `[1,true`,
		"object":          `{"id":1}`,
		"bool tag":        `[true,1,2]`,
		"status not bool": `[1,"yes",2]`,
		"empty array":     `[]`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(frame))
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
		})
	}
}

func TestDecodeLoadFile_RejectsNonStringPath(t *testing.T) {
	_, err := DecodeLoadFile(json.RawMessage(`[42,true]`))
	var fe *FrameError
	assert.ErrorAs(t, err, &fe)
}

func TestDecodeHostFrame(t *testing.T) {
	call, err := DecodeHostFrame([]byte(`[5,3,["pdf",{}]]`))
	require.NoError(t, err)
	assert.Equal(t, HostCall, call.Kind)
	assert.Equal(t, int64(5), call.ID)
	assert.Equal(t, 3, call.FuncID)

	probe, err := DecodeHostFrame(EncodeReadyProbe())
	require.NoError(t, err)
	assert.Equal(t, HostReadyProbe, probe.Kind)

	content, err := EncodeFileContent("x.typ", []byte("body"))
	require.NoError(t, err)
	file, err := DecodeHostFrame(content)
	require.NoError(t, err)
	assert.Equal(t, HostFile, file.Kind)
	assert.True(t, file.FileModified)
	assert.Equal(t, []byte("body"), file.Content)

	unchanged, err := EncodeFileNotModified("x.typ")
	require.NoError(t, err)
	file, err = DecodeHostFrame(unchanged)
	require.NoError(t, err)
	assert.False(t, file.FileModified)
	assert.False(t, file.FileFailed)

	failed, err := EncodeFileError("x.typ", "denied")
	require.NoError(t, err)
	file, err = DecodeHostFrame(failed)
	require.NoError(t, err)
	assert.True(t, file.FileFailed)
	assert.Equal(t, "denied", file.Error)
}

func TestWorkerError_Message(t *testing.T) {
	assert.Equal(t, "boom", (&WorkerError{CallID: 1, Payload: json.RawMessage(`"boom"`)}).Error())
	assert.Equal(t, `{"code":3}`, (&WorkerError{CallID: 1, Payload: json.RawMessage(`{"code":3}`)}).Error())
	assert.Equal(t, "worker call 9 failed", (&WorkerError{CallID: 9}).Error())
}
