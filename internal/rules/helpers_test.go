package rules

import (
	"context"
	"sync"
	"time"

	"shopdesk/internal/message"
	"shopdesk/internal/storage"
	"shopdesk/internal/storage/mockstore"
)

type stubProvider struct {
	mu  sync.Mutex
	ds  storage.DataService
	err error
}

func newStubProvider() (*stubProvider, *mockstore.Store) {
	store := mockstore.New()
	return &stubProvider{ds: store}, store
}

func (p *stubProvider) DataService(context.Context) (storage.DataService, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.ds, nil
}

func (p *stubProvider) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

var baseTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func classified(client, content string, ts time.Time, intents ...message.IntentScore) *message.Classified {
	return &message.Classified{
		ClientID: client,
		Parsed: message.Parsed{
			Raw:          content,
			CleanContent: content,
		},
		Intents:   intents,
		Timestamp: ts,
	}
}

func score(intent string, c float64) message.IntentScore {
	return message.IntentScore{Intent: intent, Confidence: c}
}
