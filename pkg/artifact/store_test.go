package artifact

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("Store", func() {
	var (
		tempDir string
		store   *Store
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "artifact-test")
		Expect(err).NotTo(HaveOccurred())

		store, err = NewStore(filepath.Join(tempDir, "archives"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	It("should create the storage root", func() {
		info, err := os.Stat(filepath.Join(tempDir, "archives"))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	Describe("snapshot artifacts", func() {
		It("should lay out files under <site>/snapshots/<snapshot>", func() {
			path, err := store.StoreHTML(4, 30, []byte("<html></html>"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(tempDir, "archives", "4", "snapshots", "30", "content.html")))

			data, err := store.Read(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("<html></html>"))
		})

		It("should store every derivative next to the HTML", func() {
			dir := store.SnapshotDir(4, 30)

			_, err := store.StoreHTML(4, 30, []byte("html"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.StoreText(4, 30, []byte("text"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.StoreWARC(4, 30, []byte("WARC/1.0\r\n"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.StoreScreenshot(4, 30, []byte{0x89, 0x50})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.StorePDF(4, 30, []byte("%PDF-"))
			Expect(err).NotTo(HaveOccurred())

			for _, name := range []string{"content.html", "content.txt", "original.warc", "screenshot.png", "content.pdf"} {
				Expect(filepath.Join(dir, name)).To(BeARegularFile())
			}
		})

		It("should leave no temp files behind after a write", func() {
			_, err := store.StoreHTML(4, 30, []byte("x"))
			Expect(err).NotTo(HaveOccurred())

			entries, err := os.ReadDir(store.SnapshotDir(4, 30))
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Name()).To(Equal("content.html"))
		})
	})

	Describe("diff artifacts", func() {
		It("should lay out files under <site>/diffs/<old>_<new>", func() {
			path, err := store.StoreDiff(4, 29, 30, []byte(`{"hunks":[]}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(tempDir, "archives", "4", "diffs", "29_30", "diff.json")))

			visual, err := store.StoreVisualDiff(4, 29, 30, []byte{0x89})
			Expect(err).NotTo(HaveOccurred())
			Expect(visual).To(Equal(filepath.Join(tempDir, "archives", "4", "diffs", "29_30", "visual-diff.png")))
		})
	})

	Describe("Size", func() {
		It("should report the stored size", func() {
			path, err := store.StoreHTML(4, 30, []byte("12345"))
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Size(path)).To(Equal(int64(5)))
		})

		It("should report zero for a missing file", func() {
			Expect(store.Size(filepath.Join(tempDir, "nope"))).To(Equal(int64(0)))
		})
	})

	Describe("Read", func() {
		It("should surface a typed artifact error for missing files", func() {
			_, err := store.Read(filepath.Join(tempDir, "nope"))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("artifact"))
		})
	})
})
