package orchestrator

import (
	"encoding/json"
	"strings"
)

// report is the status line printed by the composed epilogue.
type report struct {
	Status   string `json:"status"`
	FileName string `json:"file_name"`
	Message  string `json:"message"`
}

// parseReport finds the authoritative status line in stdout: the last line
// that decodes as a JSON object with a status key. Earlier lines may be the
// caller's own prints, including JSON of their own.
func parseReport(stdout string) (report, bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r report
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Status == "" {
			continue
		}
		return r, true
	}
	return report{}, false
}
