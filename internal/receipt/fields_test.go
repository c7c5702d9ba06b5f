package receipt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/fleet-receipts/internal/scanning"
)

var _ = Describe("Merge", func() {
	var (
		classification *scanning.Classification
		edits          map[string]string
		merged         Fields
	)

	BeforeEach(func() {
		classification = &scanning.Classification{
			Date:       "2024-05-01",
			Type:       scanning.TypeFuel,
			Amount:     "$45.23",
			Vehicle:    scanning.DefaultVehicle,
			VendorName: "SHELL GAS STATION",
			Location:   "",
			Confidence: scanning.FallbackConfidence,
		}
		edits = map[string]string{}
	})

	JustBeforeEach(func() {
		merged = Merge(classification, edits)
	})

	When("there are no edits", func() {
		It("uses the classification", func() {
			Expect(merged).To(Equal(Fields{
				Date:       "2024-05-01",
				Type:       "Fuel",
				Amount:     "$45.23",
				Vehicle:    "Unknown Vehicle",
				VendorName: "SHELL GAS STATION",
				Location:   "",
			}))
		})
	})

	When("the user edited a field", func() {
		BeforeEach(func() {
			edits[FieldType] = "Maintenance"
			edits[FieldVehicle] = "Truck 101"
		})

		It("prefers the edit", func() {
			Expect(merged.Type).To(Equal("Maintenance"))
			Expect(merged.Vehicle).To(Equal("Truck 101"))
		})

		It("keeps the other suggestions", func() {
			Expect(merged.Amount).To(Equal("$45.23"))
		})

		It("does not modify its inputs", func() {
			Expect(classification.Type).To(Equal(scanning.TypeFuel))
			Expect(edits).To(HaveLen(2))
		})
	})

	When("the user cleared a field", func() {
		BeforeEach(func() {
			edits[FieldDate] = ""
		})

		It("keeps the empty edit", func() {
			Expect(merged.Date).To(BeEmpty())
		})
	})

	When("there is no classification", func() {
		BeforeEach(func() {
			classification = nil
			edits[FieldAmount] = "$9.99"
		})

		It("falls back to defaults", func() {
			Expect(merged.Date).To(Equal(scanning.Today()))
			Expect(merged.Type).To(Equal("Other"))
			Expect(merged.Amount).To(Equal("$9.99"))
			Expect(merged.Vehicle).To(Equal("Unknown Vehicle"))
			Expect(merged.VendorName).To(Equal("Unknown Vendor"))
		})
	})

	It("lets every field be overridden", func() {
		for _, name := range FieldNames {
			m := Merge(classification, map[string]string{name: "edited"})
			values := map[string]string{
				FieldDate: m.Date, FieldType: m.Type, FieldAmount: m.Amount,
				FieldVehicle: m.Vehicle, FieldVendorName: m.VendorName, FieldLocation: m.Location,
			}
			Expect(values[name]).To(Equal("edited"), name)
		}
	})
})

var _ = Describe("Validate", func() {
	var (
		fields Fields
		err    error
	)

	BeforeEach(func() {
		fields = Fields{Date: "2024-05-01", Type: "Fuel", Amount: "$10.00"}
	})

	JustBeforeEach(func() {
		err = Validate(fields)
	})

	When("the required fields are set", func() {
		It("accepts the fields", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the date is empty", func() {
		BeforeEach(func() {
			fields.Date = ""
		})

		It("reports the date as missing", func() {
			var vErr *ValidationError
			Expect(err).To(BeAssignableToTypeOf(vErr))
			Expect(err.(*ValidationError).Missing).To(Equal([]string{"date"}))
		})
	})

	When("several required fields are blank", func() {
		BeforeEach(func() {
			fields.Amount = "   "
			fields.Type = ""
		})

		It("reports them in display order", func() {
			Expect(err.(*ValidationError).Missing).To(Equal([]string{"type", "amount"}))
			Expect(err).To(MatchError("missing required fields: type, amount"))
		})
	})

	When("only optional fields are empty", func() {
		BeforeEach(func() {
			fields.Vehicle = ""
			fields.VendorName = ""
			fields.Location = ""
		})

		It("accepts the fields", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

var _ = Describe("ParseType", func() {
	It("maps known values case-insensitively", func() {
		Expect(ParseType("fuel")).To(Equal(TypeFuel))
		Expect(ParseType(" MAINTENANCE ")).To(Equal(TypeMaintenance))
	})

	It("maps anything else to Other", func() {
		Expect(ParseType("tolls")).To(Equal(TypeOther))
	})
})

var _ = Describe("IsField", func() {
	It("knows the editable fields", func() {
		Expect(IsField("vendorName")).To(BeTrue())
		Expect(IsField("status")).To(BeFalse())
	})
})
