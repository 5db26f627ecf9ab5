package clamd

import (
	"fmt"
	"regexp"
	"strings"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// VerdictKind classifies a daemon response.
type VerdictKind int

const (
	// VerdictClean is an explicit OK reply.
	VerdictClean VerdictKind = iota
	// VerdictInfected is a FOUND reply.
	VerdictInfected
	// VerdictError is an ERROR reply.
	VerdictError
	// VerdictUnrecognized is a reply carrying none of FOUND, ERROR or OK,
	// including an empty reply.
	VerdictUnrecognized
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	case VerdictError:
		return "error"
	case VerdictUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Verdict is the parsed form of a daemon response.
type Verdict struct {
	Kind VerdictKind
	// VirusName is set for VerdictInfected when the signature could be extracted.
	VirusName string
	// Raw is the response text with trailing NULs and whitespace removed.
	Raw string
}

// Err returns a protocol error for an unrecognized reply and nil otherwise.
func (v Verdict) Err() error {
	if v.Kind != VerdictUnrecognized {
		return nil
	}
	return clamav.NewProtocolError(fmt.Sprintf("unrecognized clamd response: %q", v.Raw), nil)
}

var virusNamePattern = regexp.MustCompile(`:\s*(\S+)\s+FOUND`)

// ParseResponse maps raw daemon text to a Verdict. FOUND is checked before
// ERROR because diagnostic text can embed the word ERROR in infected replies.
func ParseResponse(raw string) Verdict {
	text := strings.TrimRight(raw, "\x00\r\n\t ")

	if strings.Contains(text, "FOUND") {
		v := Verdict{Kind: VerdictInfected, Raw: text}
		if m := virusNamePattern.FindStringSubmatch(text); m != nil {
			v.VirusName = m[1]
		}
		return v
	}
	if strings.Contains(text, "ERROR") {
		return Verdict{Kind: VerdictError, Raw: text}
	}
	if strings.Contains(text, "OK") {
		return Verdict{Kind: VerdictClean, Raw: text}
	}
	return Verdict{Kind: VerdictUnrecognized, Raw: text}
}
