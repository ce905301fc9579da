package plugin

import "fmt"

// Family is the generation of the in-firmware VM.
type Family int

const (
	FamilyTL Family = iota
	FamilyBHV1
	FamilyBHV2
)

func (f Family) String() string {
	switch f {
	case FamilyTL:
		return "TL"
	case FamilyBHV1:
		return "BH_V1"
	case FamilyBHV2:
		return "BH_V2"
	default:
		return "UNKNOWN"
	}
}

// ParseFamily parses the config-file / CLI spelling of a VM family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "TL":
		return FamilyTL, nil
	case "BH_V1":
		return FamilyBHV1, nil
	case "BH_V2":
		return FamilyBHV2, nil
	default:
		return 0, fmt.Errorf("plugin: unknown VM family %q", s)
	}
}

// DetectFamily selects the VM family from firmware version information,
// choosing a plugin only after querying FW version/platform, rather than
// being told the family out of band.
func DetectFamily(fw Version, platform Platform) Family {
	switch {
	case fw.Major >= 13:
		return FamilyBHV2
	case fw.Major >= 10:
		return FamilyBHV1
	default:
		return FamilyTL
	}
}
