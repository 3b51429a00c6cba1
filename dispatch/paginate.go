/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"fmt"
	"strings"
)

// NextPage builds the follow-up request for the next page of a paginated listing.
// content is the decoded JSON body of the current page; startPath, perPagePath and
// totalPath are dot-separated paths to the pagination counters inside it.
// makeRequest builds the request for the given next offset.
// It returns false when the listing has no more pages or a counter cannot be extracted.
//
// Typical use inside a Handler:
//
//	var page map[string]interface{}
//	_ = outcome.Response.JSON(&page)
//	if req, ok := dispatch.NextPage(page, "meta.start", "meta.perPage", "meta.total", nextPageReq); ok {
//		return []dispatch.Request{req}, nil
//	}
func NextPage(
	content map[string]interface{},
	startPath, perPagePath, totalPath string,
	makeRequest func(nextStart int) Request,
) (Request, bool) {
	start, err := intByPath(content, startPath)
	if err != nil {
		return Request{}, false
	}
	perPage, err := intByPath(content, perPagePath)
	if err != nil {
		return Request{}, false
	}
	total, err := intByPath(content, totalPath)
	if err != nil {
		return Request{}, false
	}
	if start+perPage >= total {
		return Request{}, false
	}
	return makeRequest(start + perPage), true
}

func intByPath(content map[string]interface{}, path string) (int, error) {
	var cur interface{} = content
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return 0, fmt.Errorf("%q is not an object", path)
		}
		if cur, ok = m[key]; !ok {
			return 0, fmt.Errorf("%q not found", path)
		}
	}
	switch v := cur.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, fmt.Errorf("%q is not a number", path)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%q is not a number", path)
}
