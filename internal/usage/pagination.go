package usage

import (
	"errors"
	"fmt"
	"strings"

	"voicebridge/internal/providers/elevenlabs"
)

var ErrUnexpectedBody = errors.New("upstream body is neither a JSON object nor a list")

var recordContainers = []string{"conversations", "items", "data", "results", "records"}

type page struct {
	records []map[string]any
	// size counts every element of the upstream list, objects or not
	size    int
	hasMore *bool
	cursor  string
	token   string
	nextURL string
}

func parsePage(resp elevenlabs.Response) (page, error) {
	if resp.ParseErr != nil {
		return page{}, fmt.Errorf("decode page: %w", resp.ParseErr)
	}
	var p page
	var list []any
	switch b := resp.Body.(type) {
	case []any:
		list = b
	case map[string]any:
		for _, k := range recordContainers {
			if l, ok := b[k].([]any); ok {
				list = l
				break
			}
		}
		if v, ok := b["has_more"].(bool); ok {
			p.hasMore = &v
		}
		p.cursor = str(b["next_cursor"])
		p.token = str(b["next_page_token"])
		if next := str(b["next"]); strings.HasPrefix(next, "http://") || strings.HasPrefix(next, "https://") {
			p.nextURL = next
		}
	default:
		return page{}, ErrUnexpectedBody
	}

	p.size = len(list)
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			p.records = append(p.records, m)
		}
	}
	return p, nil
}

type stepKind int

const (
	stepCursor stepKind = iota + 1
	stepToken
	stepURL
	stepOffset
)

type step struct {
	kind  stepKind
	value string
}

// next decides how to fetch the following page. An explicit has_more=false
// and an empty page are final; a cursor, token or next URL wins over offset
// paging, which is used while has_more is true or pages come back full.
func (p page) next(pageSize int) (step, bool) {
	if p.hasMore != nil && !*p.hasMore {
		return step{}, false
	}
	if p.size == 0 {
		return step{}, false
	}
	switch {
	case p.cursor != "":
		return step{kind: stepCursor, value: p.cursor}, true
	case p.token != "":
		return step{kind: stepToken, value: p.token}, true
	case p.nextURL != "":
		return step{kind: stepURL, value: p.nextURL}, true
	}
	if (p.hasMore != nil && *p.hasMore) || p.size >= pageSize {
		return step{kind: stepOffset}, true
	}
	return step{}, false
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
