// Package pkgreader parses the DALP multi-version applet package format
// and selects the ordered list of candidate blobs compatible with the
// running firmware.
package pkgreader

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/joeycumines/go-dal/internal/plugin"
)

const (
	// MaxBlobSize is the largest single decoded applet blob a package entry
	// may contain.
	MaxBlobSize = 2 * 1024 * 1024
	// MaxPackageSize bounds the total size of the DALP document itself.
	MaxPackageSize = 30 * 1024 * 1024
	// MaxElementDepth bounds XML nesting, to keep parsing O(1)-ish memory
	// even for a hostile document.
	MaxElementDepth = 5
)

// document is the XML schema of a .dalp package.
type document struct {
	XMLName xml.Name `xml:"dalp"`
	Applets []entry  `xml:"applet"`
}

type entry struct {
	Platform      string `xml:"platform"`
	FWVersion     string `xml:"fwVersion"`
	AppletVersion string `xml:"appletVersion"`
	AppletBlob    string `xml:"appletBlob"`
}

func parsePlatform(s string) (plugin.Platform, error) {
	switch strings.TrimSpace(s) {
	case "ME":
		return plugin.PlatformME, nil
	case "SEC":
		return plugin.PlatformSEC, nil
	case "CSE":
		return plugin.PlatformCSE, nil
	default:
		return 0, fmt.Errorf("pkgreader: unknown platform %q", s)
	}
}

// parsedEntry is an entry with its fields decoded into structured values.
type parsedEntry struct {
	platform plugin.Platform
	fw       fwVersion
	applet   appletVersion
	blob     []byte
}

// checkDepth walks the XML token stream once to reject documents nesting
// elements more than MaxElementDepth deep, before the (cheaper, but
// depth-blind) full unmarshal.
func checkDepth(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pkgreader: xml parse error: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			if depth > MaxElementDepth {
				return fmt.Errorf("pkgreader: xml nesting exceeds depth %d", MaxElementDepth)
			}
		case xml.EndElement:
			depth--
		}
	}
}

// parse validates and decodes a .dalp document, returning its structured
// entries. It applies no firmware-version selection; Select does that.
func parse(data []byte) ([]parsedEntry, error) {
	if len(data) > MaxPackageSize {
		return nil, fmt.Errorf("pkgreader: package of %d bytes exceeds MaxPackageSize", len(data))
	}
	if err := checkDepth(data); err != nil {
		return nil, err
	}

	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("pkgreader: invalid dalp document: %w", err)
	}

	out := make([]parsedEntry, 0, len(doc.Applets))
	for i, a := range doc.Applets {
		plat, err := parsePlatform(a.Platform)
		if err != nil {
			return nil, fmt.Errorf("pkgreader: applet[%d]: %w", i, err)
		}
		fw, err := parseFWVersion(a.FWVersion)
		if err != nil {
			return nil, fmt.Errorf("pkgreader: applet[%d]: %w", i, err)
		}
		av, err := parseAppletVersion(a.AppletVersion)
		if err != nil {
			return nil, fmt.Errorf("pkgreader: applet[%d]: %w", i, err)
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.AppletBlob))
		if err != nil {
			return nil, fmt.Errorf("pkgreader: applet[%d]: invalid base64 blob: %w", i, err)
		}
		if len(blob) > MaxBlobSize {
			return nil, fmt.Errorf("pkgreader: applet[%d]: blob of %d bytes exceeds MaxBlobSize", i, len(blob))
		}
		out = append(out, parsedEntry{platform: plat, fw: fw, applet: av, blob: blob})
	}
	return out, nil
}

// Select parses data and returns the ordered candidate blobs for
// runningFW/runningPlatform, taking the sign-once (FW major 11) split path
// when applicable. vmAPILevel is only consulted on the sign-once path.
func Select(data []byte, runningFW plugin.Version, runningPlatform plugin.Platform, vmAPILevel int) ([][]byte, error) {
	entries, err := parse(data)
	if err != nil {
		return nil, err
	}

	if runningFW.Major == 11 {
		return selectSignOnce(entries, vmAPILevel), nil
	}
	return selectVersioned(entries, runningFW, runningPlatform), nil
}

func selectVersioned(entries []parsedEntry, runningFW plugin.Version, runningPlatform plugin.Platform) [][]byte {
	running := fwVersion{Major: runningFW.Major, Minor: runningFW.Minor, Hotfix: runningFW.Hotfix}

	var matching []parsedEntry
	for _, e := range entries {
		if e.platform == runningPlatform && e.fw.Major <= running.Major {
			matching = append(matching, e)
		}
	}
	if len(matching) == 0 {
		return nil
	}

	bestMajor := matching[0].fw.Major
	for _, e := range matching[1:] {
		if e.fw.Major > bestMajor {
			bestMajor = e.fw.Major
		}
	}

	var chosen []parsedEntry
	for _, e := range matching {
		if e.fw.Major == bestMajor {
			chosen = append(chosen, e)
		}
	}

	sort.SliceStable(chosen, func(i, j int) bool {
		a, b := chosen[i], chosen[j]
		if c := compareFW(a.fw, b.fw); c != 0 {
			return c > 0
		}
		return compareApplet(a.applet, b.applet) > 0
	})

	return blobsOf(chosen)
}

func selectSignOnce(entries []parsedEntry, vmAPILevel int) [][]byte {
	var chosen []parsedEntry
	for _, e := range entries {
		if e.fw.Major == 11 && e.fw.Minor <= vmAPILevel {
			chosen = append(chosen, e)
		}
	}

	sort.SliceStable(chosen, func(i, j int) bool {
		return compareApplet(chosen[i].applet, chosen[j].applet) > 0
	})

	return blobsOf(chosen)
}

func blobsOf(entries []parsedEntry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.blob
	}
	return out
}
