package capture

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ExtractText", func() {
	It("should strip tags and keep one text node per line", func() {
		html := []byte(`<html><body><h1>Title</h1><p>First paragraph</p><p>Second</p></body></html>`)

		text, err := ExtractText(html)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("Title\nFirst paragraph\nSecond"))
	})

	It("should drop script and style content", func() {
		html := []byte(`<html><head><style>body { color: red }</style></head>` +
			`<body><script>alert("x")</script><p>Visible</p><noscript>enable js</noscript></body></html>`)

		text, err := ExtractText(html)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("Visible"))
	})

	It("should collapse intra-line whitespace", func() {
		html := []byte("<p>spaced \t  out\n   words</p>")

		text, err := ExtractText(html)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("spaced out words"))
	})

	It("should drop whitespace-only nodes", func() {
		html := []byte("<div>  </div><div>kept</div><div>\n\t</div>")

		text, err := ExtractText(html)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("kept"))
	})

	It("should tolerate malformed markup", func() {
		html := []byte("<p>unclosed <b>bold")

		text, err := ExtractText(html)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(ContainSubstring("unclosed"))
		Expect(text).To(ContainSubstring("bold"))
	})
})
