package drivershell

import (
	"encoding/json"
	"strings"

	"github.com/theCapypara/field-monitor-sub000/pkg/control"
)

// channelWriter ships zerolog output over the control channel so driver logs
// end up in the parent's log stream instead of on the console PTY.
type channelWriter struct {
	client *control.Client
}

func (w *channelWriter) Write(p []byte) (int, error) {
	var ev struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(p, &ev); err != nil {
		// Not a structured event; forward the raw line.
		w.client.Log("debug", strings.TrimSpace(string(p)))
		return len(p), nil
	}

	msg := ev.Message
	if ev.Error != "" {
		msg += ": " + ev.Error
	}
	w.client.Log(ev.Level, msg)
	return len(p), nil
}
