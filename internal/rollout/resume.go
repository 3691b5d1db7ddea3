package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/protocol"
)

// Resume reads a rollout JSONL file, reconstructs the saved session, and
// returns a recorder that continues appending to the same files.
func Resume(path string) (*Recorder, *SavedSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		f.Close()
		return nil, nil, fmt.Errorf("empty session file: %s", path)
	}
	var meta SessionMeta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to parse session meta: %w", err)
	}

	saved := &SavedSession{Session: meta}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			RecordType string `json:"record_type"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.RecordType == "state" {
			var state StateSnapshot
			if err := json.Unmarshal(line, &state); err == nil {
				saved.State = state
			}
			continue
		}
		var item protocol.ResponseItem
		if err := json.Unmarshal(line, &item); err != nil {
			log.Warn().Err(err).Msg("rollout: failed to parse item during resume")
			continue
		}
		if item.IsSerializable() {
			saved.Items = append(saved.Items, item)
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, nil, err
	}
	f.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}

	// Recreate the snapshot path from the stored timestamp; fall back to the
	// current date if the stored value does not parse.
	ts, err := time.Parse(timestampFormat, meta.Timestamp)
	if err != nil {
		log.Warn().Str("timestamp", meta.Timestamp).Err(err).
			Msg("rollout: unparsable session timestamp; using current time for snapshot path")
		ts = time.Now().UTC()
	}
	snapshotPath := filepath.Join(filepath.Dir(path),
		fmt.Sprintf("rollout-%s-%s.json", ts.Format("2006-01-02"), meta.ID))

	r := &Recorder{Path: path}
	r.start(file, nil, snapshotPath, meta, append([]protocol.ResponseItem(nil), saved.Items...))
	return r, saved, nil
}
