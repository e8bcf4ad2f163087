package httpapi

import (
	"bufio"
	"net/http"
	"os"
	"strings"
)

const defaultSystemLogLines = 200

// handleSystemLogs serves GET /api/logs/system: the tail of the process's
// own rolling log file, narrowed by the optional lines/search/level query
// parameters.
func (h *apiHandler) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("lines"), defaultSystemLogLines)
	search := r.URL.Query().Get("search")
	level := strings.ToUpper(r.URL.Query().Get("level"))

	all, err := readAllLines(h.systemLogPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read system log")
		return
	}

	filtered := make([]string, 0, len(all))
	for _, line := range all {
		if search != "" && !strings.Contains(line, search) {
			continue
		}
		if level != "" && !strings.Contains(line, "level="+level) {
			continue
		}
		filtered = append(filtered, line)
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]any{"lines": filtered})
}

func readAllLines(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
