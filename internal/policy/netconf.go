package policy

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// ScanPayload checks the character data of a NETCONF XML body against the blacklist.
// Element and attribute names are ignored so that schema nodes such as <format> do
// not trip the check. A body that does not parse as XML is scanned as plain text.
func (p *Policy) ScanPayload(body string) (string, bool) {
	texts, err := xmlText(body)
	if err != nil {
		return p.IsBlocked(body)
	}
	for _, t := range texts {
		if pattern, blocked := p.IsBlocked(t); blocked {
			return pattern, true
		}
	}
	return "", false
}

func xmlText(body string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	dec.Strict = false
	var out []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if s := strings.TrimSpace(string(cd)); s != "" {
				out = append(out, s)
			}
		}
	}
}
