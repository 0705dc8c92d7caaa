package s3

import (
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Storage classes accepted by the storage_class setting
const (
	ClassStandard          = "STANDARD"
	ClassStandardIA        = "STANDARD_IA"
	ClassOneZoneIA         = "ONEZONE_IA"
	ClassReducedRedundancy = "REDUCED_REDUNDANCY"
	ClassGlacierIR         = "GLACIER_IR"
	ClassGlacier           = "GLACIER"
	ClassDeepArchive       = "DEEP_ARCHIVE"
	ClassIntelligent       = "INTELLIGENT_TIERING"
)

var storageClasses = map[string]s3types.StorageClass{
	ClassStandard:          s3types.StorageClassStandard,
	ClassStandardIA:        s3types.StorageClassStandardIa,
	ClassOneZoneIA:         s3types.StorageClassOnezoneIa,
	ClassReducedRedundancy: s3types.StorageClassReducedRedundancy,
	ClassGlacierIR:         s3types.StorageClassGlacierIr,
	ClassGlacier:           s3types.StorageClassGlacier,
	ClassDeepArchive:       s3types.StorageClassDeepArchive,
	ClassIntelligent:       s3types.StorageClassIntelligentTiering,
}

// ValidStorageClass reports whether class is a known storage class
func ValidStorageClass(class string) bool {
	_, ok := storageClasses[class]
	return ok
}

// toStorageClass maps a storage class name to the SDK enum
func toStorageClass(class string) s3types.StorageClass {
	if sc, ok := storageClasses[class]; ok {
		return sc
	}
	return s3types.StorageClassStandard
}

// toCargoShipStorageClass maps a storage class name to the closest class
// the CargoShip transporter supports.
func toCargoShipStorageClass(class string) config.StorageClass {
	switch class {
	case ClassStandardIA:
		return config.StorageClassStandardIA
	case ClassOneZoneIA:
		return config.StorageClassOneZoneIA
	case ClassGlacierIR, ClassGlacier:
		return config.StorageClassGlacier
	case ClassDeepArchive:
		return config.StorageClassDeepArchive
	case ClassIntelligent:
		return config.StorageClassIntelligentTiering
	default:
		return config.StorageClassStandard
	}
}

// archived reports whether objects of class need a restore request before
// they can be downloaded.
func archived(class s3types.StorageClass) bool {
	return class == s3types.StorageClassGlacier || class == s3types.StorageClassDeepArchive
}
