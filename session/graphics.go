package session

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Graphics holds a study's drawn objects, keyed by type ("dwglabels",
// "dwglines", "dwgboxes", ...) and then by object id.
type Graphics map[string]map[string]json.RawMessage

type graphicsErase struct {
	Action string          `json:"action"`
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
}

type graphicsBatch struct {
	Data []json.RawMessage `json:"data"`
}

type graphicsCommands struct {
	Erase  []graphicsErase            `json:"erase"`
	Create map[string][]graphicsBatch `json:"create"`
}

type nonSeriesData struct {
	GraphicsCmds *graphicsCommands `json:"graphicsCmds"`
}

// parseGraphicsCommands decodes the JSON string carried in ns.d. A payload
// without graphicsCmds yields nil.
func parseGraphicsCommands(d string) (*graphicsCommands, error) {
	if d == "" {
		return nil, nil
	}
	var data nonSeriesData
	if err := json.Unmarshal([]byte(d), &data); err != nil {
		return nil, fmt.Errorf("failed to decode study graphics: %w", err)
	}
	return data.GraphicsCmds, nil
}

// Apply runs erase commands, then create commands, and returns the sorted
// types that changed.
func (g Graphics) Apply(cmds *graphicsCommands) []string {
	if cmds == nil {
		return nil
	}

	changed := map[string]struct{}{}
	for _, e := range cmds.Erase {
		switch e.Action {
		case "all":
			if e.Type == "" {
				for typ := range g {
					changed[typ] = struct{}{}
					delete(g, typ)
				}
				continue
			}
			if _, ok := g[e.Type]; ok {
				delete(g, e.Type)
				changed[e.Type] = struct{}{}
			}
		case "one":
			items, ok := g[e.Type]
			if !ok {
				continue
			}
			key := objectKey(e.ID)
			if _, ok := items[key]; ok {
				delete(items, key)
				changed[e.Type] = struct{}{}
			}
		}
	}

	for typ, batches := range cmds.Create {
		for _, batch := range batches {
			for _, obj := range batch.Data {
				var head struct {
					ID json.RawMessage `json:"id"`
				}
				if err := json.Unmarshal(obj, &head); err != nil || len(head.ID) == 0 {
					continue
				}
				if g[typ] == nil {
					g[typ] = map[string]json.RawMessage{}
				}
				g[typ][objectKey(head.ID)] = obj
				changed[typ] = struct{}{}
			}
		}
	}

	types := make([]string, 0, len(changed))
	for typ := range changed {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Clone copies the object tables; the raw objects themselves are shared.
func (g Graphics) Clone() Graphics {
	out := make(Graphics, len(g))
	for typ, items := range g {
		cp := make(map[string]json.RawMessage, len(items))
		for id, obj := range items {
			cp[id] = obj
		}
		out[typ] = cp
	}
	return out
}

// objectKey normalises numeric and string ids to the same key.
func objectKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
