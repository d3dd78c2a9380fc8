package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// FileInfo is the result of probing the remote resource.
type FileInfo struct {
	Size         int64 // -1 when the server did not report a length
	ContentMD5   string
	AcceptRanges bool
	FinalURL     string // post-redirect URL
}

// FetchFileInfo issues a HEAD request (or a body-less GET when useHead is
// false) with redirects followed and extracts size, Content-MD5 and range
// support from the response headers. Only HTTP 200 and 350 count as success;
// 350 is kept for parity with FTP-style servers that answer file commands
// with it.
func (c *Client) FetchFileInfo(ctx context.Context, rawURL string, useHead bool) (FileInfo, error) {
	info := FileInfo{Size: -1, AcceptRanges: true}

	method := http.MethodHead
	if !useHead {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return info, fmt.Errorf("error creating probe request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return info, fmt.Errorf("error probing %s: %w", rawURL, err)
	}
	// Headers are all we need; drop the body straight away so a GET probe
	// does not pull the whole resource.
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != 350 {
		return info, fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = size
		}
	} else if resp.ContentLength >= 0 {
		info.Size = resp.ContentLength
	}
	info.ContentMD5 = resp.Header.Get("Content-MD5")
	if strings.EqualFold(resp.Header.Get("Accept-Ranges"), "none") {
		info.AcceptRanges = false
	}
	if resp.Request != nil && resp.Request.URL != nil {
		info.FinalURL = resp.Request.URL.String()
	} else {
		info.FinalURL = rawURL
	}
	return info, nil
}
