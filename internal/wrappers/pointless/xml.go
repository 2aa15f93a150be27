package pointless

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type bestSolution struct {
	GroupName       string  `xml:"GroupName"`
	Confidence      float64 `xml:"Confidence"`
	TotalProb       float64 `xml:"TotalProb"`
	ReindexMatrix   string  `xml:"ReindexMatrix"`
	ReindexOperator string  `xml:"ReindexOperator"`
}

// LaueGroupScore is one candidate Laue group from the XML output.
type LaueGroupScore struct {
	Number          int     `xml:"number" json:"number"`
	LaueGroup       string  `xml:"LaueGroupName" json:"laue_group"`
	ReindexOperator string  `xml:"ReindexOperator" json:"reindex_operator"`
	NetZCC          float64 `xml:"NetZCC" json:"net_zcc"`
	Likelihood      float64 `xml:"Likelihood" json:"likelihood"`
	R               float64 `xml:"R" json:"r_merge"`
	CellDelta       float64 `xml:"CellDelta" json:"cell_delta"`
}

type laueGroupScoreList struct {
	Scores []LaueGroupScore `xml:"LaueGroupScore"`
}

type spacegroupEntry struct {
	SpacegroupName  string  `xml:"SpacegroupName"`
	ReindexOperator string  `xml:"ReindexOperator"`
	ReindexMatrix   string  `xml:"ReindexMatrix"`
	TotalProb       float64 `xml:"TotalProb"`
}

type spacegroupList struct {
	Spacegroups []spacegroupEntry `xml:"Spacegroup"`
}

type indexEntry struct {
	ReindexMatrix   string `xml:"ReindexMatrix"`
	ReindexOperator string `xml:"ReindexOperator"`
}

type indexScores struct {
	Index []indexEntry `xml:"Index"`
}

type reflectionFile struct {
	Stream         string `xml:"stream,attr"`
	SpacegroupName string `xml:"SpacegroupName"`
}

var errStop = errors.New("stop")

// decodeEach calls fn for every element called name at any depth.
func decodeEach(data []byte, name string, fn func(decode func(any) error) error) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pointless: parse xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != name {
			continue
		}
		err = fn(func(v any) error {
			if err := d.DecodeElement(v, &start); err != nil {
				return fmt.Errorf("pointless: decode %s: %w", name, err)
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// decodeFirst decodes the first element called name into v.
func decodeFirst(data []byte, name string, v any) (bool, error) {
	found := false
	err := decodeEach(data, name, func(decode func(any) error) error {
		if err := decode(v); err != nil {
			return err
		}
		found = true
		return errStop
	})
	return found, err
}

// MendXML repairs the unterminated CenProb elements some Pointless versions
// write, in place.
func MendXML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pointless: read xml: %w", err)
	}
	mended := MendXMLText(string(data))
	if mended == string(data) {
		return nil
	}
	if err := os.WriteFile(path, []byte(mended), 0o644); err != nil {
		return fmt.Errorf("pointless: write xml: %w", err)
	}
	return nil
}

// MendXMLText turns "<CenProb>0.5<CenProb>" into "<CenProb>0.5</CenProb>".
// Lines that are already closed are kept.
func MendXMLText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "CenProb") || strings.Contains(line, "/CenProb") {
			continue
		}
		tokens := strings.Split(line, "CenProb")
		if len(tokens) != 3 {
			continue
		}
		lines[i] = tokens[0] + "CenProb" + tokens[1] + "/CenProb" + tokens[2]
	}
	return strings.Join(lines, "\n")
}
