package scanning

import "fmt"

const classificationSystemPrompt = "You are an expert at analyzing trucking fleet receipts. Extract structured information from the receipt text you are given."

const classificationPrompt = `Analyze this receipt text and extract the following information:

- date: The receipt date in YYYY-MM-DD format
- type: Exactly one of "Fuel", "Maintenance" or "Other"
- amount: The total amount paid, including the currency symbol (for example "$45.23")
- vehicle: Any vehicle, truck or unit identification
- vendorName: The name of the business
- location: The street address if one is printed

Respond with a single JSON object using exactly these field names. Use an empty string for anything you cannot find.

Raw receipt text:
%s`

// classificationRequest renders the user prompt for text
func classificationRequest(text string) string {
	return fmt.Sprintf(classificationPrompt, text)
}
