package logs

import "github.com/sirupsen/logrus"

// Hook copies every log entry carrying a request_id field into that
// request's logfile while its capture is open. Register it once on the
// process logger.
type Hook struct {
	store *Store
}

func NewHook(store *Store) *Hook {
	return &Hook{store: store}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	value, ok := entry.Data["request_id"]
	if !ok {
		return nil
	}
	var requestID int64
	switch id := value.(type) {
	case int64:
		requestID = id
	case int:
		requestID = int64(id)
	default:
		return nil
	}
	return h.store.append(requestID, entry)
}
