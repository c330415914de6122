package payment

import (
	"context"
	"time"

	"marketplace-checkout/internal/metrics"
)

type instrumented struct {
	Provider
	m *metrics.Metrics
}

// Instrument records the latency of every outbound provider call.
func Instrument(p Provider, m *metrics.Metrics) Provider {
	if m == nil {
		return p
	}
	return &instrumented{Provider: p, m: m}
}

func (i *instrumented) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	defer i.observe("initiate", time.Now())
	return i.Provider.Initiate(ctx, req)
}

func (i *instrumented) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationResult, error) {
	defer i.observe("confirm", time.Now())
	return i.Provider.Confirm(ctx, req)
}

func (i *instrumented) ParseEvent(ctx context.Context, ev RawEvent) (Notification, error) {
	defer i.observe("parse_event", time.Now())
	return i.Provider.ParseEvent(ctx, ev)
}

func (i *instrumented) observe(call string, start time.Time) {
	i.m.ProviderCall(string(i.Provider.Name()), call, time.Since(start).Seconds())
}

var _ Provider = (*instrumented)(nil)
