package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/shared/utils/fsutil"
)

// queueFile is the on-disk shape of the queue.
type queueFile struct {
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []*Entry  `json:"entries"`
}

// loadEntries reads the queue file. A missing file yields an empty queue. A
// file that fails to parse is renamed aside with a .corrupt suffix and the
// queue starts empty rather than blocking startup.
func loadEntries(path string, logger logging.Logger) ([]*Entry, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindPersistence, "read dead-letter queue %s", path)
	}

	var file queueFile
	if err := json.Unmarshal(data, &file); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, quarantined); renameErr != nil {
			return nil, errors.Wrapf(renameErr, errors.KindPersistence,
				"quarantine corrupt dead-letter queue %s", path)
		}
		logger.Warn("dead-letter queue %s was corrupt, moved to %s: %v", path, quarantined, err)
		return nil, nil
	}

	for _, entry := range file.Entries {
		if !entry.Status.IsValid() {
			entry.Status = StatusPending
		}
	}
	return file.Entries, nil
}

// saveEntries writes the whole queue file atomically.
func saveEntries(path string, entries []*Entry) error {
	data, err := json.MarshalIndent(queueFile{
		UpdatedAt: time.Now().UTC(),
		Entries:   entries,
	}, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "encode dead-letter queue")
	}
	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, errors.KindPersistence, "persist dead-letter queue")
	}
	return nil
}
