/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package capture

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BuildWARC assembles a minimal WARC/1.0 response record around the raw
// HTTP response envelope and body.
func BuildWARC(targetURI string, res *FetchResult, capturedAt time.Time) []byte {
	var buf bytes.Buffer

	recordID := uuid.New()
	buf.WriteString("WARC/1.0\r\n")
	buf.WriteString("WARC-Type: response\r\n")
	fmt.Fprintf(&buf, "WARC-Target-URI: %s\r\n", targetURI)
	fmt.Fprintf(&buf, "WARC-Date: %s\r\n", capturedAt.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&buf, "WARC-Record-ID: <urn:uuid:%s>\r\n", hex.EncodeToString(recordID[:]))
	buf.WriteString("Content-Type: application/http; msgtype=response\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(res.Body))
	buf.WriteString("\r\n")

	proto := res.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&buf, "%s %s\r\n", proto, statusLine(res))

	keys := make([]string, 0, len(res.Header))
	for key := range res.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range res.Header[key] {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(res.Body)

	return buf.Bytes()
}

func statusLine(res *FetchResult) string {
	// res.Status already carries "200 OK" form when it came from
	// net/http; fall back to the bare code otherwise.
	if res.Status != "" {
		return res.Status
	}
	return fmt.Sprintf("%d", res.StatusCode)
}
