package capture

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/fleet-receipts/internal/auth"
)

type mockImages struct {
	saved map[string][]byte
	err   error
}

func (m *mockImages) Save(name string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.saved[name] = data
	return name, nil
}

func (m *mockImages) Delete(key string) error {
	delete(m.saved, key)
	return nil
}

var _ = Describe("Manager", func() {
	var (
		images     *mockImages
		recognizer *mockRecognizer
		creator    *mockCreator
		manager    *Manager
		ids        []string
	)

	BeforeEach(func() {
		images = &mockImages{saved: map[string][]byte{}}
		recognizer = &mockRecognizer{results: []recognition{{text: shellText}}}
		creator = &mockCreator{}
		ids = []string{"cap-1", "cap-2"}
	})

	JustBeforeEach(func() {
		pipeline := NewPipeline(recognizer, nil, creator)
		manager = NewManager(pipeline, images, time.Hour)
		manager.newID = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	Describe("Begin", func() {
		It("stores the image under the session id and opens a Captured session", func() {
			s, err := manager.Begin(user, "../My Receipt.JPG", []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.ID()).To(Equal("cap-1"))
			Expect(s.Stage()).To(Equal(StageCaptured))
			Expect(s.Snapshot().ImageRef).To(HavePrefix("cap-1_"))
			Expect(images.saved).To(HaveLen(1))
			Expect(manager.Len()).To(Equal(1))
		})

		It("rejects an empty image", func() {
			_, err := manager.Begin(user, "r.jpg", nil)
			Expect(err).To(HaveOccurred())
			Expect(manager.Len()).To(Equal(0))
		})

		When("the image cannot be stored", func() {
			BeforeEach(func() {
				images.err = errors.New("disk full")
			})

			It("returns the error and opens no session", func() {
				_, err := manager.Begin(user, "r.jpg", []byte("jpeg"))
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(manager.Len()).To(Equal(0))
			})
		})
	})

	Describe("Get", func() {
		JustBeforeEach(func() {
			_, err := manager.Begin(user, "r.jpg", []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns the owner's session", func() {
			s, err := manager.Get(user, "cap-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.UserID()).To(Equal("driver-1"))
		})

		It("hides the session from other users", func() {
			_, err := manager.Get(auth.Session{UserID: "driver-2"}, "cap-1")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})

		It("reports unknown ids", func() {
			_, err := manager.Get(user, "nope")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})
	})

	Describe("Sweep", func() {
		var first, second *Session

		JustBeforeEach(func() {
			var err error
			first, err = manager.Begin(user, "a.jpg", []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())
			second, err = manager.Begin(user, "b.jpg", []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Start(context.Background())).To(Succeed())
		})

		It("keeps sessions younger than the ttl", func() {
			Expect(manager.Sweep(time.Now())).To(Equal(0))
			Expect(manager.Len()).To(Equal(2))
		})

		It("abandons and drops idle sessions", func() {
			Expect(manager.Sweep(time.Now().Add(2 * time.Hour))).To(Equal(2))
			Expect(manager.Len()).To(Equal(0))
			Expect(first.Snapshot().ErrorKind).To(Equal(KindAbandoned))
			Expect(second.Snapshot().ErrorKind).To(Equal(KindAbandoned))
		})

		It("deletes the images of captures that were never saved", func() {
			Expect(images.saved).To(HaveLen(2))
			manager.Sweep(time.Now().Add(2 * time.Hour))
			Expect(images.saved).To(BeEmpty())
		})

		It("keeps the image of a saved capture", func() {
			_, err := second.Confirm(context.Background())
			Expect(err).NotTo(HaveOccurred())

			manager.Sweep(time.Now().Add(2 * time.Hour))
			Expect(images.saved).To(HaveLen(1))
			Expect(images.saved).To(HaveKey(second.Snapshot().ImageRef))
		})

		When("a store write is still in flight", func() {
			var (
				release chan struct{}
				done    chan error
			)

			BeforeEach(func() {
				release = make(chan struct{})
				creator.block = release
				creator.started = make(chan struct{})
			})

			JustBeforeEach(func() {
				done = make(chan error, 1)
				go func() {
					_, err := second.Confirm(context.Background())
					done <- err
				}()
				Eventually(creator.started).Should(BeClosed())
			})

			It("keeps the image the committed record points at", func() {
				manager.Sweep(time.Now().Add(2 * time.Hour))
				close(release)
				Eventually(done).Should(Receive(MatchError(ErrAbandoned)))

				Expect(images.saved).To(HaveKey(second.Snapshot().ImageRef))
				Expect(images.saved).NotTo(HaveKey(first.Snapshot().ImageRef))
				Expect(second.Snapshot().Record).NotTo(BeNil())
			})
		})
	})

	Describe("concurrent sessions", func() {
		It("do not share drafts", func() {
			a, err := manager.Begin(user, "a.jpg", []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())
			b, err := manager.Begin(auth.Session{UserID: "driver-2"}, "b.jpg", []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())

			recognizer.results = append(recognizer.results, recognition{text: shellText})
			Expect(a.Start(context.Background())).To(Succeed())
			Expect(b.Start(context.Background())).To(Succeed())

			Expect(a.Edit("vehicle", "Truck 1")).To(Succeed())
			Expect(b.Snapshot().Edits).To(BeEmpty())
		})
	})
})
