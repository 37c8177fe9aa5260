package fields

import (
	"fmt"
	"strings"
)

// Kind says how a Locator's value is interpreted.
type Kind int

const (
	ByCSS Kind = iota
	ByID
	ByName
	ByClass
)

func (k Kind) String() string {
	switch k {
	case ByID:
		return "id"
	case ByName:
		return "name"
	case ByClass:
		return "class"
	default:
		return "css"
	}
}

// Locator identifies one DOM element.
type Locator struct {
	Kind  Kind
	Value string
	// Tag narrows ByName lookups, e.g. "input" or "select".
	Tag string
}

func CSS(sel string) Locator     { return Locator{Kind: ByCSS, Value: sel} }
func ID(id string) Locator       { return Locator{Kind: ByID, Value: id} }
func Class(name string) Locator  { return Locator{Kind: ByClass, Value: name} }
func Input(name string) Locator  { return Locator{Kind: ByName, Value: name, Tag: "input"} }
func Select(name string) Locator { return Locator{Kind: ByName, Value: name, Tag: "select"} }

// Selector renders the locator as a CSS selector. Ids are matched by
// attribute since form ids often contain colons.
func (l Locator) Selector() string {
	switch l.Kind {
	case ByID:
		return fmt.Sprintf("[id=%s]", quote(l.Value))
	case ByName:
		return fmt.Sprintf("%s[name=%s]", l.Tag, quote(l.Value))
	case ByClass:
		return "." + strings.TrimPrefix(l.Value, ".")
	default:
		return l.Value
	}
}

func (l Locator) String() string {
	return l.Kind.String() + "=" + l.Value
}

func quote(v string) string {
	return `'` + strings.ReplaceAll(v, `'`, `\'`) + `'`
}
