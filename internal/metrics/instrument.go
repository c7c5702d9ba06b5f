package metrics

import (
	"context"
	"time"

	"github.com/zombor/fleet-receipts/internal/scanning"
)

type instrumentedRecognizer struct {
	next    scanning.Recognizer
	metrics *Registry
}

// InstrumentRecognizer times every OCR call
func (m *Registry) InstrumentRecognizer(next scanning.Recognizer) scanning.Recognizer {
	return &instrumentedRecognizer{next: next, metrics: m}
}

func (r *instrumentedRecognizer) Recognize(ctx context.Context, imageRef string) (string, error) {
	start := time.Now()
	text, err := r.next.Recognize(ctx, imageRef)
	r.metrics.ObserveRemoteCall("ocr", time.Since(start), err)
	return text, err
}

type instrumentedClassifier struct {
	next    scanning.Classifier
	service string
	metrics *Registry
}

// InstrumentClassifier times every classification call under the given service label
func (m *Registry) InstrumentClassifier(service string, next scanning.Classifier) scanning.Classifier {
	return &instrumentedClassifier{next: next, service: service, metrics: m}
}

func (c *instrumentedClassifier) Classify(ctx context.Context, text string) (*scanning.Classification, error) {
	start := time.Now()
	result, err := c.next.Classify(ctx, text)
	c.metrics.ObserveRemoteCall(c.service, time.Since(start), err)
	return result, err
}

func (c *instrumentedClassifier) Close() error {
	return c.next.Close()
}
