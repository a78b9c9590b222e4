package registry

import (
	"encoding/json"
	"sort"
	"strings"
)

// Capabilities is a set of capability tags such as "validation" or
// "tabulation".
type Capabilities map[string]struct{}

// NewCapabilities builds a set from tags, ignoring blanks.
func NewCapabilities(tags ...string) Capabilities {
	c := make(Capabilities, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			c[t] = struct{}{}
		}
	}
	return c
}

// Has reports whether tag is in the set.
func (c Capabilities) Has(tag string) bool {
	_, ok := c[tag]
	return ok
}

// Len returns the number of tags.
func (c Capabilities) Len() int { return len(c) }

// Intersects reports whether c and other share at least one tag.
func (c Capabilities) Intersects(other Capabilities) bool {
	small, large := c, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for tag := range small {
		if large.Has(tag) {
			return true
		}
	}
	return false
}

// Slice returns the tags in sorted order.
func (c Capabilities) Slice() []string {
	out := make([]string, 0, len(c))
	for tag := range c {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of c.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for tag := range c {
		out[tag] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Slice())
}

// UnmarshalJSON decodes an array of tags.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*c = NewCapabilities(tags...)
	return nil
}
