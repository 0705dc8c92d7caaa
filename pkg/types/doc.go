/*
Package types provides the contract between the flowstore runtime and pluggable storage backends.

# Architecture Overview

flowstore sits between a workflow engine and storage backends:

	┌─────────────────────────────────────────────┐
	│          CLI / workflow engine              │
	│              (cmd/flowstore)                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Wildcard engine  │  Managed lifecycle     │
	│   (pkg/wildcard)   │  (internal/storage)    │
	└─────────────────────────────────────────────┘
	          │        │            │          │
	┌─────────┴───┐ ┌──┴──────┐ ┌───┴─────┐ ┌──┴──────┐
	│  Backends   │ │ Rate    │ │ Disk    │ │Metrics  │
	│ fs/s3/gcs/..│ │ limiter │ │ space   │ │         │
	└─────────────┘ └─────────┘ └─────────┘ └─────────┘

# Capabilities

A backend declares which primitive groups its objects implement as a
Capability bit set:

	CapRead   Exists, Mtime, Size, RetrieveObject, Cleanup   (Reader)
	CapWrite  StoreObject, Remove                            (Writer)
	CapGlob   ListCandidateMatches                           (Globber)
	CapTouch  Touch                                          (Toucher)

The plugin registry checks at registration that a probe object of the backend
implements the interface of every declared capability, so the lifecycle layer
dispatches on the declaration instead of inspecting objects at run time.

Optional interfaces refine the contract: FootprintReporter for objects whose
local footprint differs from their size, Inventorier for objects able to fill
an IOCache from a parent listing, and Cloner for objects with custom copy
semantics.

# Implementing a backend

	type Backend struct{ client *myservice.Client }

	func (b *Backend) Name() string                    { return "mysvc" }
	func (b *Backend) Capabilities() types.Capability  { return types.CapRead | types.CapGlob }
	func (b *Backend) NewObject(q string) (types.StorageObject, error) {
		return &Object{backend: b, query: q}, nil
	}

	func (o *Object) Exists(ctx context.Context) (bool, error) {
		_, err := o.backend.client.Stat(ctx, o.key)
		...
	}

# Thread Safety

Backends are shared by every object they create and must be safe for
concurrent use. Objects are owned by a single caller; the lifecycle layer
provides no per-object locking. IOCache implementations must be safe for
concurrent use.
*/
package types
