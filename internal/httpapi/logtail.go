package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
)

// readNDJSONLines reads every line of path and parses each as JSON,
// returning them as a slice of raw JSON values; lines that are not valid
// JSON are skipped. A missing file yields an
// empty slice, not an error, since a session that never produced output
// has no log file yet.
func readNDJSONLines(path string) ([]json.RawMessage, error) {
	if path == "" {
		return []json.RawMessage{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []json.RawMessage{}, nil
		}
		return nil, err
	}
	lines := []json.RawMessage{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := append([]byte(nil), line...)
		lines = append(lines, json.RawMessage(cp))
	}
	return lines, scanner.Err()
}

// logTailer polls an append-only NDJSON file for new complete lines since
// the last poll, the same read-and-remember-offset idiom
// internal/devops/log.Manager.tailFile follows for a live tail.
type logTailer struct {
	path   string
	offset int64
}

func newLogTailer(path string) *logTailer {
	return &logTailer{path: path}
}

func (t *logTailer) poll() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() <= t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, 0); err != nil {
		return nil, err
	}

	var lines []string
	reader := bufio.NewReader(f)
	consumed := t.offset
	for {
		raw, err := reader.ReadBytes('\n')
		complete := len(raw) > 0 && raw[len(raw)-1] == '\n'
		if complete {
			consumed += int64(len(raw))
			if line := bytes.TrimRight(raw, "\n"); len(line) > 0 {
				lines = append(lines, string(line))
			}
		}
		if err != nil {
			break
		}
	}
	// An incomplete trailing line (writer mid-append) is left for the next
	// poll instead of being emitted truncated.
	t.offset = consumed
	return lines, nil
}
