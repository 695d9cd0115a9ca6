package subscriber

import (
	"strconv"
	"strings"
)

// ignoreFilter is the poison-pill escape hatch parsed from
// SB_IGNORE_MESSAGE: "TOPIC_ID=<s>;QUEUE_ID=<s>;MESSAGE_ID=<i64>". A
// pragmatic operational filter, not a protocol feature — it never
// touches the wire.
type ignoreFilter struct {
	topicID   string
	queueID   string
	messageID int64
	set       bool
}

// parseIgnoreFilter parses the SB_IGNORE_MESSAGE env var value. An
// incomplete or malformed value disables the filter rather than panicking
// — this is a manual operational escape hatch, not a hard contract.
func parseIgnoreFilter(raw string) ignoreFilter {
	if raw == "" {
		return ignoreFilter{}
	}

	var f ignoreFilter
	var hasTopic, hasQueue, hasMessage bool

	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "TOPIC_ID":
			f.topicID = value
			hasTopic = true
		case "QUEUE_ID":
			f.queueID = value
			hasQueue = true
		case "MESSAGE_ID":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			f.messageID = id
			hasMessage = true
		}
	}

	f.set = hasTopic && hasQueue && hasMessage
	return f
}

func (f ignoreFilter) matches(topicID, queueID string, messageID int64) bool {
	return f.set && f.topicID == topicID && f.queueID == queueID && f.messageID == messageID
}
