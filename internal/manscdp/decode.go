package manscdp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// rawQuery mirrors the wire document. XMLName captures whichever root
// element the platform used; unknown child elements are dropped by the
// decoder.
type rawQuery struct {
	XMLName   xml.Name
	CmdType   string `xml:"CmdType"`
	SN        string `xml:"SN"`
	DeviceID  string `xml:"DeviceID"`
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	Type      string `xml:"Type"`
}

// ParseQuery decodes an inbound MANSCDP payload. The parse is tolerant:
// both GB2312 and UTF-8 declared encodings are accepted, element text
// is trimmed, unknown elements are ignored. A missing SN is an error
// (the dispatcher answers 400).
func ParseQuery(body []byte) (*Query, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader

	var raw rawQuery
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("manscdp: decode: %w", err)
	}

	switch raw.XMLName.Local {
	case RootQuery, RootControl, RootNotify:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, raw.XMLName.Local)
	}

	snText := strings.TrimSpace(raw.SN)
	if snText == "" {
		return nil, ErrMissingSN
	}
	sn, err := strconv.Atoi(snText)
	if err != nil {
		return nil, fmt.Errorf("manscdp: bad SN %q: %w", snText, err)
	}

	return &Query{
		Root:      raw.XMLName.Local,
		CmdType:   strings.TrimSpace(raw.CmdType),
		SN:        sn,
		DeviceID:  strings.TrimSpace(raw.DeviceID),
		StartTime: strings.TrimSpace(raw.StartTime),
		EndTime:   strings.TrimSpace(raw.EndTime),
		Type:      strings.TrimSpace(raw.Type),
	}, nil
}

// charsetReader handles the GB2312 declaration commercial platforms
// emit. GBK is decoded with the GB18030 superset.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "gb2312", "gbk", "gb18030":
		return transform.NewReader(input, simplifiedchinese.GB18030.NewDecoder()), nil
	case "utf-8", "":
		return input, nil
	default:
		return nil, fmt.Errorf("manscdp: unsupported charset %q", charset)
	}
}
