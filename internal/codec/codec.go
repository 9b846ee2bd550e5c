// Package codec reads and writes the text tags that travel inside message
// payloads: the "[Branch: b, Group: g] " metadata prefix and the
// "RESPONSE TO <LABEL> #<id>: " thread prefix. The byte layout is shared with
// every other reader of the ledger and must not change.
package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mdcn/internal/domain"
)

// Label is the kind name used inside a thread tag.
type Label string

const (
	LabelFieldData    Label = "FIELD DATA"
	LabelIntelligence Label = "INTEL"
	LabelCommand      Label = "CMD"
)

// Labels lists the enumerated thread labels.
func Labels() []Label {
	return []Label{LabelFieldData, LabelIntelligence, LabelCommand}
}

// Kind returns the stream a label refers to.
func (l Label) Kind() (domain.Kind, bool) {
	switch l {
	case LabelFieldData:
		return domain.KindFieldData, true
	case LabelIntelligence:
		return domain.KindIntelligence, true
	case LabelCommand:
		return domain.KindCommand, true
	}
	return "", false
}

// LabelFor is the inverse of Label.Kind. Maintenance updates cannot be replied to.
func LabelFor(k domain.Kind) (Label, bool) {
	switch k {
	case domain.KindFieldData:
		return LabelFieldData, true
	case domain.KindIntelligence:
		return LabelIntelligence, true
	case domain.KindCommand:
		return LabelCommand, true
	}
	return "", false
}

var (
	branchPattern   = regexp.MustCompile(`Branch: (\d+)`)
	groupPattern    = regexp.MustCompile(`Group: (\d+)`)
	tagPattern      = regexp.MustCompile(`\[Branch: \d+, Group: \d+\] `)
	responsePattern = regexp.MustCompile(`^RESPONSE TO (FIELD DATA|INTEL|CMD) #(\d+):`)
)

// Decoded is the result of Decode.
type Decoded struct {
	Meta      domain.Meta
	CleanBody string
}

// Response is the result of DecodeResponse.
type Response struct {
	Label    Label
	ParentID uint64
	Rest     string
}

// Encode prepends the metadata tag to body.
func Encode(branch domain.Branch, group domain.Group, body string) string {
	return fmt.Sprintf("[Branch: %d, Group: %d] %s", branch, group, body)
}

// Decode extracts branch and group. If either is missing the payload is
// returned untouched and neither value is reported.
func Decode(payload string) Decoded {
	b := branchPattern.FindStringSubmatch(payload)
	g := groupPattern.FindStringSubmatch(payload)
	if b == nil || g == nil {
		return Decoded{CleanBody: payload}
	}
	clean := payload
	if loc := tagPattern.FindStringIndex(payload); loc != nil {
		clean = payload[:loc[0]] + payload[loc[1]:]
	}
	return Decoded{
		Meta:      domain.Meta{Branch: b[1], Group: g[1]},
		CleanBody: clean,
	}
}

// EncodeResponse prefixes a tagged body with a thread reference.
func EncodeResponse(label Label, parentID uint64, branch domain.Branch, group domain.Group, body string) string {
	return fmt.Sprintf("RESPONSE TO %s #%d: %s", label, parentID, Encode(branch, group, body))
}

// DecodeResponse matches the thread prefix at the start of payload only.
func DecodeResponse(payload string) (Response, bool) {
	m := responsePattern.FindStringSubmatchIndex(payload)
	if m == nil {
		return Response{}, false
	}
	id, err := strconv.ParseUint(payload[m[4]:m[5]], 10, 64)
	if err != nil {
		return Response{}, false
	}
	rest := strings.TrimPrefix(payload[m[1]:], " ")
	return Response{
		Label:    Label(payload[m[2]:m[3]]),
		ParentID: id,
		Rest:     rest,
	}, true
}

// Envelope is the structured view of a payload: the thread reference, the
// metadata and the body with both tags removed.
type Envelope struct {
	Thread *domain.ThreadRef
	Meta   domain.Meta
	Body   string
}

// Open decodes both tags of a payload.
func Open(payload string) Envelope {
	var env Envelope
	rest := payload
	if resp, ok := DecodeResponse(payload); ok {
		kind, _ := resp.Label.Kind()
		env.Thread = &domain.ThreadRef{Kind: kind, ParentID: resp.ParentID}
		rest = resp.Rest
	}
	d := Decode(rest)
	env.Meta = d.Meta
	env.Body = d.CleanBody
	return env
}

// Seal is the inverse of Open for a freshly composed message. thread may be nil.
func Seal(thread *domain.ThreadRef, branch domain.Branch, group domain.Group, body string) (string, error) {
	if thread == nil {
		return Encode(branch, group, body), nil
	}
	label, ok := LabelFor(thread.Kind)
	if !ok {
		return "", fmt.Errorf("kind %s cannot be replied to", thread.Kind)
	}
	return EncodeResponse(label, thread.ParentID, branch, group, body), nil
}

// ParseLabel accepts a label or a kind alias.
func ParseLabel(s string) (Label, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, l := range Labels() {
		if string(l) == up {
			return l, nil
		}
	}
	k, err := domain.ParseKind(s)
	if err != nil {
		return "", err
	}
	l, ok := LabelFor(k)
	if !ok {
		return "", fmt.Errorf("kind %s has no thread label", k)
	}
	return l, nil
}
