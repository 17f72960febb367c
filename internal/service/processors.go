package service

import (
	"sort"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

// Processors indexes payment adapters by their closed-enum key.
type Processors map[domain.Processor]port.PaymentProcessor

// NewProcessors builds the registry from the configured adapters.
func NewProcessors(adapters ...port.PaymentProcessor) Processors {
	ps := make(Processors, len(adapters))
	for _, a := range adapters {
		ps[a.Processor()] = a
	}
	return ps
}

// Get returns the adapter for p, or a validation error when it is not configured.
func (ps Processors) Get(p domain.Processor) (port.PaymentProcessor, error) {
	a, ok := ps[p]
	if !ok {
		return nil, &domain.ErrValidation{Field: "processor", Message: "unsupported payment processor: " + string(p)}
	}
	return a, nil
}

// Names lists the configured processors in a stable order.
func (ps Processors) Names() []domain.Processor {
	out := make([]domain.Processor, 0, len(ps))
	for p := range ps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
