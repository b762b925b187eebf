package capture

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BuildWARC", func() {
	var (
		res        *FetchResult
		capturedAt time.Time
	)

	BeforeEach(func() {
		res = &FetchResult{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Proto:      "HTTP/1.1",
			Header: http.Header{
				"Content-Type": []string{"text/html"},
				"Server":       []string{"nginx"},
			},
			Body: []byte("<html>payload</html>"),
		}
		capturedAt = time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	})

	It("should emit a WARC/1.0 response record", func() {
		record := string(BuildWARC("https://example.gov", res, capturedAt))

		Expect(record).To(HavePrefix("WARC/1.0\r\n"))
		Expect(record).To(ContainSubstring("WARC-Type: response\r\n"))
		Expect(record).To(ContainSubstring("WARC-Target-URI: https://example.gov\r\n"))
		Expect(record).To(ContainSubstring("WARC-Date: 2025-06-01T12:30:45Z\r\n"))
		Expect(record).To(ContainSubstring("Content-Type: application/http; msgtype=response\r\n"))
		Expect(record).To(ContainSubstring(
			fmt.Sprintf("Content-Length: %d\r\n", len(res.Body))))
	})

	It("should carry a urn:uuid record id in hex form", func() {
		record := string(BuildWARC("https://example.gov", res, capturedAt))

		re := regexp.MustCompile(`WARC-Record-ID: <urn:uuid:[0-9a-f]{32}>\r\n`)
		Expect(re.MatchString(record)).To(BeTrue())
	})

	It("should embed the raw HTTP response envelope and body", func() {
		record := string(BuildWARC("https://example.gov", res, capturedAt))

		headerEnd := strings.Index(record, "\r\n\r\n")
		Expect(headerEnd).To(BeNumerically(">", 0))
		httpBlock := record[headerEnd+4:]

		Expect(httpBlock).To(HavePrefix("HTTP/1.1 200 OK\r\n"))
		Expect(httpBlock).To(ContainSubstring("Content-Type: text/html\r\n"))
		Expect(httpBlock).To(ContainSubstring("Server: nginx\r\n"))
		Expect(httpBlock).To(HaveSuffix("\r\n\r\n<html>payload</html>"))
	})

	It("should mint a fresh record id per record", func() {
		first := string(BuildWARC("https://example.gov", res, capturedAt))
		second := string(BuildWARC("https://example.gov", res, capturedAt))

		re := regexp.MustCompile(`urn:uuid:([0-9a-f]{32})`)
		Expect(re.FindStringSubmatch(first)[1]).NotTo(Equal(re.FindStringSubmatch(second)[1]))
	})
})
