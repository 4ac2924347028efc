package handshake

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestWriteEmitsExactlyOneLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, hclog.NewNullLogger(), "/tmp/serve-abc", 8080, "ws://127.0.0.1:9222/devtools/browser/x", 4242))

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "\n"))
	require.True(t, strings.HasSuffix(out, "\n"))
}

func TestWriteFieldsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, hclog.NewNullLogger(), "/tmp/serve-abc", 8080, "ws://127.0.0.1:9222/devtools/browser/x", 4242))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &decoded))

	require.Equal(t, "/tmp/serve-abc", decoded["serve_path"])
	require.Equal(t, float64(8080), decoded["serve_port"])
	require.Equal(t, "ws://127.0.0.1:9222/devtools/browser/x", decoded["browser_debugging_address"])
	require.Equal(t, float64(4242), decoded["browser_pid"])
}

func TestWriteToleratesNilLogger(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil, "/tmp/serve-abc", 8080, "ws://127.0.0.1:9222/devtools/browser/x", 4242))
}
