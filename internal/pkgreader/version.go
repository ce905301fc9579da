package pkgreader

import (
	"fmt"
	"strconv"
	"strings"
)

// fwVersion is a Major.Minor.Hotfix firmware version triple.
type fwVersion struct {
	Major, Minor, Hotfix int
}

// appletVersion is a Major.Minor applet version pair.
type appletVersion struct {
	Major, Minor int
}

func parseFWVersion(s string) (fwVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return fwVersion{}, fmt.Errorf("pkgreader: fwVersion %q is not Major.Minor.Hotfix", s)
	}
	nums, err := parseInts(parts)
	if err != nil {
		return fwVersion{}, err
	}
	return fwVersion{Major: nums[0], Minor: nums[1], Hotfix: nums[2]}, nil
}

func parseAppletVersion(s string) (appletVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 2 {
		return appletVersion{}, fmt.Errorf("pkgreader: appletVersion %q is not Major.Minor", s)
	}
	nums, err := parseInts(parts)
	if err != nil {
		return appletVersion{}, err
	}
	return appletVersion{Major: nums[0], Minor: nums[1]}, nil
}

func parseInts(parts []string) ([]int, error) {
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("pkgreader: %q is not a valid version component: %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}

// compareFW returns -1, 0, 1 comparing (Major, Minor, Hotfix) ascending.
func compareFW(a, b fwVersion) int {
	if a.Major != b.Major {
		return cmpInt(a.Major, b.Major)
	}
	if a.Minor != b.Minor {
		return cmpInt(a.Minor, b.Minor)
	}
	return cmpInt(a.Hotfix, b.Hotfix)
}

func compareApplet(a, b appletVersion) int {
	if a.Major != b.Major {
		return cmpInt(a.Major, b.Major)
	}
	return cmpInt(a.Minor, b.Minor)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
