package httpcall

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// Keys used in the map form of a decoded XML document.
const (
	xmlAttrKey = "_attr"
	xmlCharKey = "_"
)

// xmlToMap decodes an XML document into its map form: each element becomes a
// key named after its tag, attributes go under "_attr", character data under
// "_" when attributes or children are present, and repeated sibling tags
// collapse into an array. A text-only element without attributes decodes to
// its trimmed text. Namespace prefixes are joined to the local name with '-'.
func xmlToMap(data []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("document has no root element")
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		value, err := decodeXMLElement(dec, start)
		if err != nil {
			return nil, err
		}
		return map[string]any{xmlTagName(start.Name): value}, nil
	}
}

func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	attrs := map[string]any{}
	for _, attr := range start.Attr {
		if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
			continue
		}
		attrs[xmlTagName(attr.Name)] = attr.Value
	}

	children := map[string]any{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := xmlTagName(t.Name)
			if existing, ok := children[name]; ok {
				if arr, isArr := existing.([]any); isArr {
					children[name] = append(arr, child)
				} else {
					children[name] = []any{existing, child}
				}
			} else {
				children[name] = child
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			return assembleXMLValue(attrs, children, strings.TrimSpace(text.String())), nil
		}
	}
}

func assembleXMLValue(attrs, children map[string]any, text string) any {
	if len(children) == 0 && len(attrs) == 0 {
		return text
	}
	result := children
	if len(attrs) > 0 {
		result[xmlAttrKey] = attrs
	}
	if text != "" {
		result[xmlCharKey] = text
	}
	return result
}

// xmlTagName renders an element or attribute name. Undeclared namespace
// prefixes survive in Name.Space as the raw prefix and are joined with '-';
// resolved namespace URLs are dropped.
func xmlTagName(name xml.Name) string {
	if name.Space != "" && !strings.ContainsAny(name.Space, "/:") {
		return name.Space + "-" + name.Local
	}
	return name.Local
}
