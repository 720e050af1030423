package upstream

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/halvorsen/wikicache/internal/wikierr"
)

// rawExportPage mirrors the <page><title/><revision><id/><text/></revision></page>
// shape of a MediaWiki export document.
type rawExportPage struct {
	Title    string `xml:"title"`
	Revision struct {
		ID   int64  `xml:"id"`
		Text string `xml:"text"`
	} `xml:"revision"`
}

// parseExport walks an export document token by token rather than
// unmarshaling it wholesale, so that any top-level element other than
// <siteinfo> or <page> is a fatal parse error, matching spec §6.
func parseExport(r io.Reader) ([]ExportedPage, error) {
	dec := xml.NewDecoder(r)
	var pages []ExportedPage

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wikierr.ErrUpstreamTransient, err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "mediawiki":
			// root element; its children are handled as we keep iterating
		case "siteinfo":
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("%w: skipping siteinfo: %v", wikierr.ErrUpstreamTransient, err)
			}
		case "page":
			var p rawExportPage
			if err := dec.DecodeElement(&p, &se); err != nil {
				return nil, fmt.Errorf("%w: decoding page element: %v", wikierr.ErrUpstreamFatal, err)
			}
			pages = append(pages, ExportedPage{Title: p.Title, RevID: p.Revision.ID, Text: p.Revision.Text})
		default:
			return nil, fmt.Errorf("%w: unexpected export element %q", wikierr.ErrUpstreamFatal, se.Name.Local)
		}
	}

	return pages, nil
}
