package mqtt

import (
	"errors"
	"fmt"
	"strings"
)

// Message kinds under {prefix}/action/{action}/.
const (
	KindInvoke = "invoke"
	KindResult = "result"
)

var ErrBadTopic = errors.New("malformed action topic")

// ActionTopic is one {prefix}/action/{action}/{kind}/{requestID} topic.
type ActionTopic struct {
	Action    string
	Kind      string
	RequestID string
}

// ParseActionTopic splits topic after prefix. Every segment must be present
// and non-empty, and the kind must be invoke or result.
func ParseActionTopic(topic, prefix string) (ActionTopic, error) {
	rest := topic
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		var ok bool
		if rest, ok = strings.CutPrefix(topic, prefix+"/"); !ok {
			return ActionTopic{}, fmt.Errorf("%w: %q is outside %q", ErrBadTopic, topic, prefix)
		}
	}
	seg := strings.Split(rest, "/")
	if len(seg) != 4 || seg[0] != "action" {
		return ActionTopic{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	for _, s := range seg[1:] {
		if s == "" {
			return ActionTopic{}, fmt.Errorf("%w: empty segment in %q", ErrBadTopic, topic)
		}
	}
	t := ActionTopic{Action: seg[1], Kind: seg[2], RequestID: seg[3]}
	if t.Kind != KindInvoke && t.Kind != KindResult {
		return ActionTopic{}, fmt.Errorf("%w: unknown kind %q", ErrBadTopic, t.Kind)
	}
	return t, nil
}

// Topic formats t back under prefix.
func (t ActionTopic) Topic(prefix string) string {
	build := TopicActionResult
	if t.Kind == KindInvoke {
		build = TopicActionInvoke
	}
	return strings.TrimPrefix(build(strings.Trim(prefix, "/"), t.Action, t.RequestID), "/")
}
