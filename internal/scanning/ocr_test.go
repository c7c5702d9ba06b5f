package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/fleet-receipts/internal/auth"
)

// mockImages is an in-memory ImageSource
type mockImages struct {
	files map[string][]byte
}

func (m *mockImages) Get(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

var fakeJPEG = []byte("\xff\xd8\xff\xe0fake jpeg body")

func pngBytes() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

// decodeOCRImage asserts the request shape and returns the decoded image bytes
func decodeOCRImage(r *http.Request) []byte {
	var body ocrRequest
	Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
	Expect(body.Image).To(HavePrefix("data:image/jpeg;base64,"))
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(body.Image, "data:image/jpeg;base64,"))
	Expect(err).NotTo(HaveOccurred())
	return data
}

var _ = Describe("OCRClient", func() {
	var (
		server   *ghttp.Server
		images   *mockImages
		client   *OCRClient
		ctx      context.Context
		imageRef string
		text     string
		err      error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		images = &mockImages{files: map[string][]byte{
			"receipt.jpg": fakeJPEG,
			"receipt.png": pngBytes(),
		}}
		ctx = context.Background()
		imageRef = "receipt.jpg"

		var newErr error
		client, newErr = NewOCRClient(server.URL()+"/ocr", images)
		Expect(newErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = client.Recognize(ctx, imageRef)
	})

	When("the service returns text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/ocr"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					Expect(decodeOCRImage(r)).To(Equal(fakeJPEG))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"text": "SHELL\nTOTAL $10.00\n"}),
			))
		})

		It("returns the trimmed text", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("SHELL\nTOTAL $10.00"))
		})

		It("makes a single request", func() {
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the service legitimately finds nothing", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"text": "No text found"}))
		})

		It("returns the sentinel text as a success", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("No text found"))
		})
	})

	When("the image is a PNG", func() {
		BeforeEach(func() {
			imageRef = "receipt.png"
			server.AppendHandlers(ghttp.CombineHandlers(
				func(w http.ResponseWriter, r *http.Request) {
					Expect(http.DetectContentType(decodeOCRImage(r))).To(Equal("image/jpeg"))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"text": "ok"}),
			))
		})

		It("converts it to JPEG", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the request carries an authenticated session", func() {
		BeforeEach(func() {
			ctx = auth.NewContext(ctx, auth.Session{UserID: "u1", Token: "tok-123"})
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"text": "ok"}))
		})

		It("does not send the token by default", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(server.ReceivedRequests()[0].Header.Get("Authorization")).To(BeEmpty())
		})

		When("auth forwarding is enabled", func() {
			BeforeEach(func() {
				var newErr error
				client, newErr = NewOCRClient(server.URL()+"/ocr", images, WithForwardAuth())
				Expect(newErr).NotTo(HaveOccurred())
				server.SetHandler(0, ghttp.CombineHandlers(
					ghttp.VerifyHeaderKV("Authorization", "Bearer tok-123"),
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"text": "ok"}),
				))
			})

			It("forwards the bearer token", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	When("the service returns a non-2xx status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "down"))
		})

		It("returns ErrRecognitionFailed", func() {
			Expect(err).To(MatchError(ErrRecognitionFailed))
		})

		It("keeps the status for diagnostics", func() {
			var statusErr *HTTPStatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})

		It("does not retry", func() {
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the response lacks the text field", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"result": "SHELL"}))
		})

		It("returns ErrRecognitionFailed", func() {
			Expect(err).To(MatchError(ErrRecognitionFailed))
		})
	})

	When("the text is blank", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"text": "  \n"}))
		})

		It("returns ErrRecognitionFailed", func() {
			Expect(err).To(MatchError(ErrRecognitionFailed))
		})
	})

	When("the response is not JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "<html>"))
		})

		It("returns ErrRecognitionFailed", func() {
			Expect(err).To(MatchError(ErrRecognitionFailed))
		})
	})

	When("the image cannot be read", func() {
		BeforeEach(func() {
			imageRef = "missing.jpg"
		})

		It("fails without calling the service", func() {
			Expect(err).To(MatchError(ErrRecognitionFailed))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})

	When("the context is already cancelled", func() {
		BeforeEach(func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			ctx = cctx
		})

		It("returns ErrRecognitionFailed", func() {
			Expect(err).To(MatchError(ErrRecognitionFailed))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})
	})
})

var _ = Describe("NewOCRClient", func() {
	It("requires an endpoint", func() {
		_, err := NewOCRClient("", &mockImages{})
		Expect(err).To(HaveOccurred())
	})

	It("requires an image source", func() {
		_, err := NewOCRClient("http://ocr.local", nil)
		Expect(err).To(HaveOccurred())
	})

	It("accepts a rate limit", func() {
		c, err := NewOCRClient("http://ocr.local", &mockImages{}, WithRateLimit(2, 0), WithHTTPClient(http.DefaultClient))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.limiter).NotTo(BeNil())
		Expect(c.limiter.Burst()).To(Equal(1))
	})
})
