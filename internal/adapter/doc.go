/*
Package adapter is the composition root of flowstore. It turns a validated
configuration into storage providers that share one metrics collector and one
inventory cache.

# Architecture Role

	┌──────────────────────────────┐
	│   cmd/flowstore (cobra)      │
	└──────────────────────────────┘
	               │
	┌──────────────────────────────┐
	│        ADAPTER LAYER         │ ← This Package
	│  config → backends →         │
	│  registry → providers        │
	└──────────────────────────────┘
	     │          │          │
	┌────┴───┐ ┌────┴────┐ ┌───┴─────┐
	│Provider│ │ Metrics │ │Inventory│
	│ per    │ │collector│ │  cache  │
	│ config │ └─────────┘ └─────────┘
	└────────┘

Each configured provider gets a backend built by a Factory keyed by backend
name. Tests and embedders replace factories with WithFactory to inject fakes.

# Provider Selection

Queries are routed by protocol: the backend registry picks the backend with
the longest matching protocol, then the adapter picks the single provider
using that backend. When several providers share a backend the caller has to
name one:

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Stop(ctx)

	obj, err := a.Object("results", "s3://bucket/sample.bam")
	if err != nil {
		return err
	}
	if err := obj.ManagedRetrieve(ctx); err != nil {
		return err
	}
*/
package adapter
