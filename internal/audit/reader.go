package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReadAll opens path for lock-free read and decodes every line as a
// TickRecord, tolerating a final partial line left by a concurrent writer
// mid-append.
func ReadAll(path string) ([]TickRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer file.Close()

	var records []TickRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec TickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A trailing partial line from a writer mid-append is not an
			// error for a tailer; stop at the last complete record.
			break
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("audit: scan log: %w", err)
	}
	return records, nil
}
