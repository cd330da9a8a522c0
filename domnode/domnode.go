// Package domnode defines the wire shapes produced by an app's render
// interface: the recursive UI node tree (Snapshot), and the lightweight
// Delta message used to bypass a full render for high-frequency stream
// events. Both are tagged variants, not classes, per the dynamic-shape
// design note: attrs/events are string maps, children is an ordered slice.
package domnode

import "encoding/json"

// HeadTag is the reserved tag conveying page-head metadata (title, meta
// tags) rather than a renderable DOM node.
const HeadTag = "magnetic:head"

// ErrorBoundaryTag is the tag used for the isolate host's fallback node when
// a render or reduce call fails.
const ErrorBoundaryTag = "div"

// Node is one element of the recursive UI tree. Key establishes stable
// identity for incremental client-side reconciliation.
type Node struct {
	Tag      string            `json:"tag"`
	Key      string            `json:"key,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Events   map[string]string `json:"events,omitempty"`
	Text     string            `json:"text,omitempty"`
	Children []Node            `json:"children,omitempty"`
}

// Snapshot is the canonical wire form returned by render: an outer object
// holding the root node.
type Snapshot struct {
	Root Node   `json:"root"`
	CSS  string `json:"css,omitempty"`
}

// Delta is emitted in place of a full Snapshot when a streaming data source
// with a target container updates: {delta:true,k:key,v:event,max:N,t:targetId}.
type Delta struct {
	Delta  bool            `json:"delta"`
	Key    string          `json:"k"`
	Value  json.RawMessage `json:"v"`
	Max    int             `json:"max"`
	Target string          `json:"t"`
}

// NewDelta constructs a Delta with Delta always true, matching the wire
// invariant clients rely on to distinguish it from a Snapshot.
func NewDelta(key string, value json.RawMessage, max int, target string) Delta {
	return Delta{Delta: true, Key: key, Value: value, Max: max, Target: target}
}

// ErrorBoundary builds the fallback node rendered when an isolate call fails:
// a div tagged error-boundary with class magnetic-error, containing an h2
// heading "Something went wrong", a p with the error message and, if
// actionName is non-empty, a trailing p naming the failed action. Grounded on the original source's
// error_fallback() shape so client-side CSS targeting ".magnetic-error"
// keeps working unmodified.
func ErrorBoundary(message, actionName string) Snapshot {
	children := []Node{
		{Tag: "h2", Text: "Something went wrong"},
		{Tag: "p", Text: message},
	}
	if actionName != "" {
		children = append(children, Node{Tag: "p", Text: "while handling action: " + actionName})
	}
	return Snapshot{
		Root: Node{
			Tag:      ErrorBoundaryTag,
			Key:      "error-boundary",
			Attrs:    map[string]string{"class": "magnetic-error"},
			Children: children,
		},
	}
}
