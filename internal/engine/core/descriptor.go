// Package core holds small cross-cutting types shared by every engine
// package: service descriptors, retry policy and a generic clamp helper.
// Adapted near-verbatim from internal/app/core/service — already small,
// reusable, and the teacher's own idiom for this exact concern.
package core

import "context"

// Layer describes the architectural slice a service belongs to.
type Layer string

const (
	LayerIngress Layer = "ingress"
	LayerEngine  Layer = "engine"
	LayerData    Layer = "data"
)

// Descriptor advertises a service's placement and capabilities. Optional;
// does not change runtime behavior.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// Service represents a lifecycle-managed component. Every long-running
// engine component implements this so the Application can start and stop
// them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata.
type DescriptorProvider interface {
	Descriptor() Descriptor
}

// ClampLimit normalizes a caller-supplied limit against a default and a hard
// maximum, mirroring infrastructure/database.ValidateLimit's idiom.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
