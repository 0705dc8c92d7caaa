/*
Package s3 is the Amazon S3 storage backend, also serving S3-compatible
services through a custom endpoint.

Queries have the form s3://bucket/key. A key naming no object but used as a
prefix of other keys is treated as a directory: it exists, has size 0, and
retrieving it downloads every object below it.

	┌─────────────────────────────────────────────┐
	│        internal/storage (Provider)          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Backend / Object (types.Backend)          │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴─────────┐  ┌───────────┴─────────┐
	│ API (metadata)    │  │ transfer            │
	│ Head/List/Delete  │  │ manager downloads,  │
	│                   │  │ CargoShip uploads   │
	└───────────────────┘  └─────────────────────┘

Requests are rate limited per bucket by the provider. Uploads go through the
CargoShip transporter when enabled and fall back to the SDK upload manager,
which switches to multipart above the configured threshold.

# Configuration

	s3:
	  region: us-east-1
	  endpoint: http://localhost:9000   # S3-compatible services
	  force_path_style: true
	  storage_class: STANDARD_IA
	  enable_cargoship: true
	  part_size_mb: 16
	  concurrency: 8

Credentials fall back to the default AWS chain (environment, shared config,
instance roles) when no static keys are configured.
*/
package s3
