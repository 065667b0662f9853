package dependencies

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// GraphMLContentType is the media type of the dependency metadata document
const GraphMLContentType = "application/graphml"

type graphMLDocument struct {
	XMLName xml.Name       `xml:"graphml"`
	Graphs  []graphMLGraph `xml:"graph"`
}

type graphMLGraph struct {
	Nodes []graphMLNode `xml:"node"`
	Edges []graphMLEdge `xml:"edge"`
}

type graphMLNode struct {
	ID string `xml:"id,attr"`
}

type graphMLEdge struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

// ParseGraphML converts a GraphML dependency document into a raw dependency map. An edge
// from source to target means the target depends on the source.
func ParseGraphML(data []byte) (map[string][]string, error) {
	var doc graphMLDocument
	decoder := xml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse dependency metadata: %w", err)
	}
	if len(doc.Graphs) == 0 {
		return nil, fmt.Errorf("dependency metadata contains no graph")
	}

	raw := make(map[string][]string)
	for _, graph := range doc.Graphs {
		for _, node := range graph.Nodes {
			if node.ID == "" {
				continue
			}
			if _, ok := raw[node.ID]; !ok {
				raw[node.ID] = nil
			}
		}
		for _, edge := range graph.Edges {
			if edge.Source == "" || edge.Target == "" {
				return nil, fmt.Errorf("dependency metadata contains an edge without endpoints")
			}
			if _, ok := raw[edge.Source]; !ok {
				raw[edge.Source] = nil
			}
			raw[edge.Target] = append(raw[edge.Target], edge.Source)
		}
	}
	return raw, nil
}
