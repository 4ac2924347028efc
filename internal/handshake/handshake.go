// Package handshake emits the single line of machine-readable stdout a test
// harness uses to learn where the running supervisor can be reached,
// grounded on the convention, seen throughout the pack's CLI commands, of
// keeping stdout reserved for exactly one purpose and routing everything
// else (logs, diagnostics) to stderr.
package handshake

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// EnvTestingMode enables the handshake line and extends the browser launch
// timeout. Its value is never inspected, only its presence.
const EnvTestingMode = "_TESTING_MODE"

// message is the wire shape of the handshake line. Field names are part of
// the external contract and must not change.
type message struct {
	ServePath            string `json:"serve_path"`
	ServePort            uint16 `json:"serve_port"`
	BrowserDebuggingAddr string `json:"browser_debugging_address"`
	BrowserPID           uint32 `json:"browser_pid"`
}

// Write emits the handshake line to w, followed by a single newline, and
// nothing else. Callers are responsible for confirming testing mode is
// enabled before calling Write. logger receives a debug-level record of the
// same payload first, so the line is still visible in the logs at debug
// level even though nothing else may ever write to stdout again.
func Write(w io.Writer, logger hclog.Logger, servePath string, servePort int, browserDebuggingAddress string, browserPID int) error {
	msg := message{
		ServePath:            servePath,
		ServePort:            uint16(servePort),
		BrowserDebuggingAddr: browserDebuggingAddress,
		BrowserPID:           uint32(browserPID),
	}

	if logger != nil {
		logger.Debug("emitting testing handshake", "serve_path", msg.ServePath, "serve_port", msg.ServePort, "browser_debugging_address", msg.BrowserDebuggingAddr, "browser_pid", msg.BrowserPID)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding handshake line")
	}

	if _, err := w.Write(append(encoded, '\n')); err != nil {
		return errors.Wrap(err, "writing handshake line")
	}
	return nil
}
