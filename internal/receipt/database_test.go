package receipt

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// queuedIDs hands out ids in order and repeats the last one when exhausted
type queuedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (q *queuedIDs) Generate() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.ids[0]
	if len(q.ids) > 1 {
		q.ids = q.ids[1:]
	}
	return id
}

// mockTimeSource is a fixed clock
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

func sampleCandidate() Candidate {
	return Candidate{
		Fields: Fields{
			Date:       "2024-05-01",
			Type:       "fuel",
			Amount:     "$45.23",
			Vehicle:    "Truck 101",
			VendorName: "SHELL GAS STATION",
		},
		ExtractedText: "SHELL GAS STATION\n2024-05-01\nTOTAL $45.23",
		ImageRef:      "1_receipt.jpg",
	}
}

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		ids    *queuedIDs
		clock  *mockTimeSource
		db     *BoltDB
		ctx    context.Context
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		ids = &queuedIDs{ids: []string{"100", "200", "300"}}
		clock = &mockTimeSource{now: time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)}
		ctx = context.Background()

		var err error
		db, err = NewBoltDBWithDeps(dbPath, ids, clock)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("Create", func() {
		var (
			candidate Candidate
			record    *Record
			err       error
		)

		BeforeEach(func() {
			candidate = sampleCandidate()
		})

		JustBeforeEach(func() {
			record, err = db.Create(ctx, "driver-1", candidate)
		})

		When("the write succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should assign the id and timestamp", func() {
				Expect(record.ID).To(Equal("100"))
				Expect(record.Timestamp).To(Equal(clock.now))
			})

			It("should mark the record pending", func() {
				Expect(record.Status).To(Equal(StatusPending))
			})

			It("should normalise the type", func() {
				Expect(record.Type).To(Equal(TypeFuel))
			})

			It("should keep the audit fields", func() {
				Expect(record.ExtractedText).To(Equal(candidate.ExtractedText))
				Expect(record.ImageRef).To(Equal("1_receipt.jpg"))
			})

			It("should not modify the candidate", func() {
				Expect(candidate).To(Equal(sampleCandidate()))
			})

			It("should be readable by id", func() {
				stored, getErr := db.Get("driver-1", "100")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(stored).To(Equal(record))
			})
		})

		When("a later record is created", func() {
			It("should leave the earlier record untouched", func() {
				clock.now = clock.now.Add(time.Hour)
				second, createErr := db.Create(ctx, "driver-1", sampleCandidate())
				Expect(createErr).NotTo(HaveOccurred())
				Expect(second.ID).To(Equal("200"))

				first, getErr := db.Get("driver-1", "100")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(first.ID).To(Equal(record.ID))
				Expect(first.Timestamp).To(Equal(record.Timestamp))
			})
		})

		When("the generated id already exists", func() {
			It("should skip to an unused id", func() {
				ids.ids = []string{"100", "100", "300"}
				next, createErr := db.Create(ctx, "driver-1", sampleCandidate())
				Expect(createErr).NotTo(HaveOccurred())
				Expect(next.ID).To(Equal("300"))
			})
		})

		When("the id source keeps colliding", func() {
			It("should fail instead of overwriting", func() {
				ids.ids = []string{"100"}
				_, createErr := db.Create(ctx, "driver-1", sampleCandidate())
				Expect(createErr).To(MatchError(ErrStoreWriteFailed))

				stored, _ := db.Get("driver-1", "100")
				Expect(stored).To(Equal(record))
			})
		})

		When("the context is cancelled", func() {
			BeforeEach(func() {
				cctx, cancel := context.WithCancel(ctx)
				cancel()
				ctx = cctx
			})

			It("should not persist anything", func() {
				Expect(err).To(MatchError(ErrStoreWriteFailed))
				records, listErr := db.List("driver-1")
				Expect(listErr).NotTo(HaveOccurred())
				Expect(records).To(BeEmpty())
			})
		})

		When("the database is closed", func() {
			BeforeEach(func() {
				Expect(db.Close()).To(Succeed())
			})

			It("should return ErrStoreWriteFailed", func() {
				Expect(err).To(MatchError(ErrStoreWriteFailed))
				Expect(record).To(BeNil())
			})
		})

		When("no user is given", func() {
			It("should return ErrStoreWriteFailed", func() {
				_, createErr := db.Create(ctx, "", sampleCandidate())
				Expect(createErr).To(MatchError(ErrStoreWriteFailed))
			})
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				_, err := db.Create(ctx, "driver-1", sampleCandidate())
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("returns the user's records in id order", func() {
			records, err := db.List("driver-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(3))
			Expect([]string{records[0].ID, records[1].ID, records[2].ID}).To(Equal([]string{"100", "200", "300"}))
		})

		It("is stable across repeated reads", func() {
			first, _ := db.List("driver-1")
			second, _ := db.List("driver-1")
			Expect(second).To(Equal(first))
		})

		It("keeps users apart", func() {
			records, err := db.List("driver-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())

			_, err = db.Get("driver-2", "100")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Get", func() {
		It("returns ErrNotFound for an unknown id", func() {
			_, err := db.Create(ctx, "driver-1", sampleCandidate())
			Expect(err).NotTo(HaveOccurred())

			_, err = db.Get("driver-1", "nope")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("profiles", func() {
		It("round trips a profile", func() {
			p := &Profile{UID: "driver-1", Email: "d1@example.com", FirstName: "Dana", CreatedAt: clock.now, UpdatedAt: clock.now}
			Expect(db.SaveProfile(p)).To(Succeed())

			got, err := db.GetProfile("driver-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(p))
		})

		It("returns ErrNotFound for a missing profile", func() {
			_, err := db.GetProfile("ghost")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("requires a uid", func() {
			Expect(db.SaveProfile(&Profile{})).To(MatchError(ErrStoreWriteFailed))
		})
	})

	Describe("reopening", func() {
		It("keeps records across restarts", func() {
			rec, err := db.Create(ctx, "driver-1", sampleCandidate())
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Close()).To(Succeed())

			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			got, err := db.Get("driver-1", rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.VendorName).To(Equal("SHELL GAS STATION"))
		})
	})
})

var _ = Describe("timestampIDs", func() {
	It("strictly increases", func() {
		g := &timestampIDs{}
		prev := g.Generate()
		for i := 0; i < 1000; i++ {
			next := g.Generate()
			Expect(len(next) > len(prev) || next > prev).To(BeTrue())
			prev = next
		}
	})
})
