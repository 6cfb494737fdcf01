// Package stream normalizes a lazy sequence of raw byte chunks from a model
// provider into an ordered, UTF-8-safe sequence of GenerationDelta events
// with strictly monotonic sequence numbers. A chunk ending mid-codepoint is
// buffered and prepended to the next one, so no emitted token ever carries
// an incomplete rune.
package stream

import (
	"unicode/utf8"

	"ragstream/internal/ragerr"
)

// DeltaType enumerates the three event kinds a generation stream emits.
type DeltaType string

const (
	Token DeltaType = "token"
	Done  DeltaType = "done"
	Error DeltaType = "error"
)

// Role identifies whose turn a delta belongs to.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
)

// Delta is one wire event in a prompt's generation stream.
type Delta struct {
	PromptID string                 `json:"promptId"`
	Type     DeltaType              `json:"type"`
	Seq      int                    `json:"seq"`
	Text     string                 `json:"text,omitempty"`
	Role     Role                   `json:"role"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Normalizer buffers incomplete UTF-8 tails across raw chunk boundaries and
// assigns strictly monotonic sequence numbers to the deltas it emits for a
// single prompt. Not safe for concurrent use; one Normalizer per prompt.
type Normalizer struct {
	promptID  string
	role      Role
	dedupe    bool
	seq       int
	pending   []byte
	lastText  string
	haveLast  bool
	terminal  bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithDedupe collapses two consecutive raw chunks with identical decoded
// text into a single token event.
func WithDedupe() Option {
	return func(n *Normalizer) { n.dedupe = true }
}

// New constructs a Normalizer for one prompt's stream.
func New(promptID string, role Role, opts ...Option) *Normalizer {
	n := &Normalizer{promptID: promptID, role: role}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Feed consumes one raw chunk and returns zero or one token Delta. A chunk
// ending mid-codepoint is buffered whole or in part; its emitted text never
// contains a truncated codepoint. Feed must not be called after Done or
// Fail.
func (n *Normalizer) Feed(raw []byte) (Delta, bool) {
	if n.terminal {
		return Delta{}, false
	}

	buf := append(n.pending, raw...)
	n.pending = nil

	complete, incomplete := splitTrailingIncomplete(buf)
	if len(incomplete) > 0 {
		n.pending = incomplete
	}
	if len(complete) == 0 {
		return Delta{}, false
	}

	text := string(complete)
	if n.dedupe && n.haveLast && text == n.lastText {
		return Delta{}, false
	}
	n.lastText = text
	n.haveLast = true

	d := Delta{
		PromptID: n.promptID,
		Type:     Token,
		Seq:      n.seq,
		Text:     text,
		Role:     n.role,
	}
	n.seq++
	return d, true
}

// Done emits the terminal done event. Must be called at most once, and
// never after Fail.
func (n *Normalizer) Done() Delta {
	d := Delta{
		PromptID: n.promptID,
		Type:     Done,
		Seq:      n.seq,
		Role:     n.role,
	}
	n.seq++
	n.terminal = true
	return d
}

// Fail emits the terminal error event carrying err's code and message.
// Must be called at most once, and never after Done.
func (n *Normalizer) Fail(err error) Delta {
	code := ragerr.CodeOf(err)
	msg := err.Error()
	if e, ok := ragerr.As(err); ok {
		msg = e.Message
	}
	d := Delta{
		PromptID: n.promptID,
		Type:     Error,
		Seq:      n.seq,
		Role:     n.role,
		Metadata: map[string]interface{}{
			"code":    string(code),
			"message": msg,
		},
	}
	n.seq++
	n.terminal = true
	return d
}

// NextSeq reports the sequence number the next emitted delta will carry.
func (n *Normalizer) NextSeq() int { return n.seq }

// splitTrailingIncomplete returns buf split into the longest prefix safe to
// emit now and a trailing incomplete-codepoint remainder (0 to 3 bytes) to
// buffer until the next chunk arrives. It walks back from the end looking
// for the start of the last rune; if that rune's bytes aren't all present
// yet, everything from that lead byte onward is held back.
func splitTrailingIncomplete(buf []byte) (complete []byte, incomplete []byte) {
	limit := utf8.UTFMax
	if limit > len(buf) {
		limit = len(buf)
	}
	for back := 1; back <= limit; back++ {
		i := len(buf) - back
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				return buf[:i], buf[i:]
			}
			break
		}
	}
	return buf, nil
}
