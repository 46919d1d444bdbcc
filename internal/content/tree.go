package content

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Text-bearing settings fields. Anything else in a node's settings is ignored.
var textFields = []string{
	"title", "heading", "title_text", "description_text", "caption", "text", "editor",
	"button_text", "content", "testimonial_content", "testimonial_name", "testimonial_job",
	"alert_title", "alert_description", "blockquote_content", "field_label", "placeholder",
	"tab_title", "tab_content", "item_title", "label", "html",
}

// Settings fields holding arrays of records, each read with textFields.
var compositeFields = []string{
	"slides", "icon_list", "tabs", "testimonials", "form_fields", "items", "list",
}

// Node is one element of a builder tree.
type Node struct {
	ID         string
	ElType     string
	WidgetType string
	Settings   Settings
	Elements   []Node

	// children that could not be decoded
	Skipped int
}

// Settings keeps the text values of a node in field order.
type Settings struct {
	Texts      []string
	TemplateID string
}

// IsTemplate reports whether the node embeds another stored tree.
func (n Node) IsTemplate() bool {
	return n.Settings.TemplateID != "" && (n.WidgetType == "template" || n.ElType == "template" || n.WidgetType == "global")
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*n = Node{
		ID:         scalar(fields["id"]),
		ElType:     scalar(fields["elType"]),
		WidgetType: scalar(fields["widgetType"]),
	}
	if raw, ok := fields["settings"]; ok {
		// settings is an empty array when the builder has nothing to store
		_ = n.Settings.UnmarshalJSON(raw)
	}
	if raw, ok := fields["elements"]; ok {
		var children []json.RawMessage
		if err := json.Unmarshal(raw, &children); err != nil {
			n.Skipped++
			return nil
		}
		for _, child := range children {
			var node Node
			if err := json.Unmarshal(child, &node); err != nil {
				n.Skipped++
				continue
			}
			n.Elements = append(n.Elements, node)
		}
	}
	return nil
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*s = Settings{Texts: textsOf(fields), TemplateID: scalar(fields["template_id"])}
	for _, name := range compositeFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var records []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &records); err != nil {
			continue
		}
		for _, record := range records {
			s.Texts = append(s.Texts, textsOf(record)...)
		}
	}
	return nil
}

func textsOf(fields map[string]json.RawMessage) []string {
	var texts []string
	for _, name := range textFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil || value == "" {
			continue
		}
		texts = append(texts, value)
	}
	return texts
}

// scalar reads a JSON string or number as a string.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// ParseTree decodes builder data, which is either a list of top-level nodes or
// a single node. Top-level entries that fail to decode are counted in skipped.
func ParseTree(data []byte) (nodes []Node, skipped int, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, nil
	}
	if trimmed[0] == '{' {
		var node Node
		if err := json.Unmarshal(trimmed, &node); err != nil {
			return nil, 0, fmt.Errorf("decode builder node: %w", err)
		}
		return []Node{node}, 0, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, 0, fmt.Errorf("decode builder tree: %w", err)
	}
	for _, raw := range raws {
		var node Node
		if err := json.Unmarshal(raw, &node); err != nil {
			skipped++
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, skipped, nil
}
