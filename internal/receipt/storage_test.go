package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage *LocalStorage
	)

	BeforeEach(func() {
		tmpDir = filepath.Join(GinkgoT().TempDir(), "images")
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the directory", func() {
		info, err := os.Stat(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	Describe("Save and Get", func() {
		It("round trips the bytes", func() {
			key, err := storage.Save("123_receipt.jpg", []byte("image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal("123_receipt.jpg"))

			data, err := storage.Get(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("image")))
		})

		It("leaves no temporary files behind", func() {
			_, err := storage.Save("a.jpg", []byte("image"))
			Expect(err).NotTo(HaveOccurred())

			entries, err := os.ReadDir(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("rejects keys outside the directory", func() {
			_, err := storage.Save("../escape.jpg", []byte("x"))
			Expect(err).To(HaveOccurred())

			_, err = storage.Get("../../etc/passwd")
			Expect(err).To(HaveOccurred())
		})

		It("fails for a missing key", func() {
			_, err := storage.Get("missing.jpg")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			key, err := storage.Save("gone.jpg", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete(key)).To(Succeed())

			_, err = storage.Get(key)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("SanitizeFilename", func() {
	It("keeps simple names", func() {
		Expect(SanitizeFilename("receipt.jpg")).To(Equal("receipt.jpg"))
	})

	It("replaces unsafe characters", func() {
		Expect(SanitizeFilename("IMG 2024 (copy)!.HEIC")).To(Equal("IMG-2024-copy.heic"))
	})

	It("truncates long names", func() {
		name := SanitizeFilename("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.png")
		Expect(name).To(HaveLen(54))
	})

	It("strips directories", func() {
		Expect(SanitizeFilename("../../x.jpg")).To(Equal("x.jpg"))
	})

	It("uses a default when nothing is left", func() {
		Expect(SanitizeFilename("!!!")).To(Equal("receipt"))
	})
})
