// Package naming derives broker-side names for topics and queues. Every
// function is deterministic so independently started instances agree on the
// names they create.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxQueueNameLength is the longest queue name SQS accepts.
const MaxQueueNameLength = 80

const (
	escapeOpen  = "___"
	escapeClose = "_"
	// minDigestLength keeps queue names unique when a long prefix is used.
	minDigestLength = 16
)

var escapePattern = regexp.MustCompile(`___([0-9a-f]+)_`)

// TopicName applies the configured prefix to a logical topic.
func TopicName(topic, prefix string) string {
	return prefix + topic
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '*', r == '#':
		return true
	}
	return false
}

// Encode turns an arbitrary name into a broker-legal identifier. Runs of
// characters outside [A-Za-z0-9_*#-] become `___<hex>_`. Runs of three or
// more underscores are escaped the same way, which keeps Decode exact.
func Encode(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i := 0; i < len(runes); {
		switch {
		case !isAllowed(runes[i]):
			j := i
			for j < len(runes) && !isAllowed(runes[j]) {
				j++
			}
			writeEscape(&b, string(runes[i:j]))
			i = j
		case runes[i] == '_':
			j := i
			for j < len(runes) && runes[j] == '_' {
				j++
			}
			if j-i >= 3 {
				writeEscape(&b, string(runes[i:j]))
			} else {
				b.WriteString(string(runes[i:j]))
			}
			i = j
		default:
			b.WriteRune(runes[i])
			i++
		}
	}
	return b.String()
}

func writeEscape(b *strings.Builder, run string) {
	b.WriteString(escapeOpen)
	b.WriteString(hex.EncodeToString([]byte(run)))
	b.WriteString(escapeClose)
}

// Decode reverses Encode. Malformed escapes are left untouched.
func Decode(name string) string {
	return escapePattern.ReplaceAllStringFunc(name, func(match string) string {
		digits := match[len(escapeOpen) : len(match)-len(escapeClose)]
		raw, err := hex.DecodeString(digits)
		if err != nil {
			return match
		}
		return string(raw)
	})
}

// QueueName derives the physical queue name for a subscription. Competing
// consumers share a queue keyed by topic alone; everyone else gets a queue
// unique to (topic, handler, instance).
func QueueName(topic, handler, instanceUUID string, competing bool, prefix string) string {
	key := topic
	if !competing {
		key = topic + handler + instanceUUID
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	room := MaxQueueNameLength - len(prefix)
	if room < minDigestLength {
		room = minDigestLength
		prefix = prefix[:MaxQueueNameLength-minDigestLength]
	}
	if room < len(digest) {
		digest = digest[:room]
	}
	return prefix + digest
}

// IsWildcard reports whether a topic pattern contains `*` or `#`.
func IsWildcard(topic string) bool {
	return strings.ContainsAny(topic, "*#")
}

// WildcardMatcher matches concrete topic names against a pattern in which
// `*` stands for exactly one dot-separated word and `#` for anything,
// including nothing.
type WildcardMatcher struct {
	pattern string
	prefix  string
	re      *regexp.Regexp
}

// NewWildcardMatcher compiles pattern. prefix is the topic prefix stripped
// from broker names before matching.
func NewWildcardMatcher(pattern, prefix string) *WildcardMatcher {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`[^.]+`)
		case '#':
			b.WriteString(`.*`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return &WildcardMatcher{
		pattern: pattern,
		prefix:  prefix,
		re:      regexp.MustCompile(b.String()),
	}
}

func (m *WildcardMatcher) Pattern() string { return m.pattern }

// MatchTopic matches a logical topic name.
func (m *WildcardMatcher) MatchTopic(topic string) bool {
	return m.re.MatchString(topic)
}

// MatchBrokerName matches an encoded, prefixed broker topic name and returns
// the logical topic it stands for.
func (m *WildcardMatcher) MatchBrokerName(name string) (string, bool) {
	decoded := Decode(name)
	if !strings.HasPrefix(decoded, m.prefix) {
		return "", false
	}
	topic := strings.TrimPrefix(decoded, m.prefix)
	if !m.re.MatchString(topic) {
		return "", false
	}
	return topic, true
}
