package health

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/forgeops/foreman/internal/errors"
)

// History persists check results as one JSON object per line so the
// trend survives process restarts. All methods tolerate a missing file.
type History struct {
	path string
}

func NewHistory(path string) *History {
	return &History{path: path}
}

// Append writes the result to the end of the history file, creating
// parent directories on first use.
func (h *History) Append(result *CheckResult) error {
	if h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "create history directory", err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "marshal check result", err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "open history file", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "append check result", err)
	}
	return nil
}

// Recent returns up to n of the most recent results, oldest first.
// Lines that fail to parse are skipped so a torn write cannot poison
// the trend.
func (h *History) Recent(n int) ([]CheckResult, error) {
	if h.path == "" || n <= 0 {
		return nil, nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "open history file", err)
	}
	defer f.Close()

	var results []CheckResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r CheckResult
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read history file", err)
	}
	if len(results) > n {
		results = results[len(results)-n:]
	}
	return results, nil
}
